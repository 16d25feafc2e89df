// Command fsd reports the Fréchet Segmentation Distance between a directory
// of real images and a directory of generated images (or a generator model).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Brownie44l1/segdist/internal/cache"
	"github.com/Brownie44l1/segdist/internal/config"
	"github.com/Brownie44l1/segdist/internal/figure"
	"github.com/Brownie44l1/segdist/internal/frechet"
	"github.com/Brownie44l1/segdist/internal/logger"
	"github.com/Brownie44l1/segdist/internal/metrics"
	"github.com/Brownie44l1/segdist/internal/model"
	"github.com/Brownie44l1/segdist/internal/tally"
	"github.com/google/uuid"
)

var errUsage = errors.New("usage")

type cliOptions struct {
	configPath string
	trueDir    string
	genDir     string

	size       int
	cacheDir   string
	histOut    string
	maxScale   float64
	labelCount int
	dpi        float64

	modelPath    string
	modelMeta    string
	backend      string
	genModel     string
	genModelMeta string

	set map[string]bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		return 1
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "fsd: %v\n", err)
		return 1
	}
	opts.apply(cfg)

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.WithRun(uuid.NewString())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := evaluate(ctx, cfg, opts, stdout, log); err != nil {
		log.Error("evaluation failed", "error", err)
		return 1
	}
	return 0
}

func parseArgs(args []string, stderr io.Writer) (*cliOptions, error) {
	opts := &cliOptions{set: make(map[string]bool)}
	fs := flag.NewFlagSet("fsd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	def := config.Default()
	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	fs.IntVar(&opts.size, "size", def.Tally.Size, "number of images sampled from each directory")
	fs.StringVar(&opts.cacheDir, "cachedir", "", "directory for cached tallies (caching is off when empty)")
	fs.StringVar(&opts.histOut, "histout", "", "write a per-label comparison figure to this .png/.jpg path")
	fs.Float64Var(&opts.maxScale, "maxscale", def.Figure.MaxScale, "upper bound of the figure's mean-area axis")
	fs.IntVar(&opts.labelCount, "labelcount", def.Figure.LabelCount, "number of labels shown in the figure")
	fs.Float64Var(&opts.dpi, "dpi", def.Figure.DPI, "figure resolution")
	fs.StringVar(&opts.modelPath, "model", "", "segmentation model (.onnx)")
	fs.StringVar(&opts.modelMeta, "model-meta", "", "segmentation model metadata (.json)")
	fs.StringVar(&opts.backend, "backend", "", "compute backend: cpu or cuda")
	fs.StringVar(&opts.genModel, "generator", "", "generator model (.onnx) evaluated in place of gen_dir")
	fs.StringVar(&opts.genModelMeta, "generator-meta", "", "generator model metadata (.json)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: fsd [flags] true_dir gen_dir\n")
		fmt.Fprintf(fs.Output(), "       fsd [flags] -generator model.onnx true_dir\n")
		fs.PrintDefaults()
	}

	if len(args) == 0 {
		fs.Usage()
		return nil, errUsage
	}

	// Allow flags before, between and after the positional arguments.
	// Everything after a "--" terminator is positional.
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if consumed := len(args) - len(rest); consumed > 0 && args[consumed-1] == "--" {
			positional = append(positional, rest...)
			break
		}
		if len(rest) == 0 {
			break
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })

	want := 2
	if opts.genModel != "" {
		want = 1
	}
	if len(positional) != want {
		fmt.Fprintf(stderr, "fsd: expected %d directories, got %d\n", want, len(positional))
		fs.Usage()
		return nil, errUsage
	}
	opts.trueDir = positional[0]
	if want == 2 {
		opts.genDir = positional[1]
	}
	return opts, nil
}

// apply overrides cfg with the flags given on the command line.
func (o *cliOptions) apply(cfg *config.Config) {
	if o.set["size"] {
		cfg.Tally.Size = o.size
	}
	if o.set["cachedir"] {
		cfg.Cache.Dir = o.cacheDir
		cfg.Cache.Backend = config.CacheBackendFile
	}
	if o.set["histout"] {
		cfg.Figure.Output = o.histOut
	}
	if o.set["maxscale"] {
		cfg.Figure.MaxScale = o.maxScale
	}
	if o.set["labelcount"] {
		cfg.Figure.LabelCount = o.labelCount
	}
	if o.set["dpi"] {
		cfg.Figure.DPI = o.dpi
	}
	if o.set["model"] {
		cfg.Model.Path = o.modelPath
	}
	if o.set["model-meta"] {
		cfg.Model.MetadataPath = o.modelMeta
	}
	if o.set["backend"] {
		cfg.Model.Backend = o.backend
	}
	if o.set["generator"] {
		cfg.Generator.Path = o.genModel
	}
	if o.set["generator-meta"] {
		cfg.Generator.MetadataPath = o.genModelMeta
	}
}

func newStore(cfg *config.Config) (cache.Store, func()) {
	switch {
	case cfg.Cache.Backend == config.CacheBackendRedis:
		s := cache.NewRedisStore(cfg.Cache.Redis)
		return s, func() { s.Close() }
	case cfg.Cache.Dir != "":
		return cache.NewFileStore(cfg.Cache.Dir), func() {}
	default:
		return nil, func() {}
	}
}

func evaluate(ctx context.Context, cfg *config.Config, opts *cliOptions, stdout io.Writer, log *slog.Logger) error {
	m := metrics.New()
	eng := newEngine(cfg, m, log)
	defer eng.close()

	store, closeStore := newStore(cfg)
	defer closeStore()
	tallies := cache.New(store, eng.tallyDirectory, m, logger.WithComponent(log, "cache"))

	size := cfg.Tally.Size
	trueTally, err := tallies.Tally(ctx, opts.trueDir, size)
	if err != nil {
		return fmt.Errorf("tallying %s: %w", opts.trueDir, err)
	}

	var genTally *tally.Matrix
	if cfg.Generator.Path != "" {
		genTally, err = eng.tallyGenerator(ctx, size)
		if err != nil {
			return fmt.Errorf("tallying generator %s: %w", cfg.Generator.Path, err)
		}
	} else {
		genTally, err = tallies.Tally(ctx, opts.genDir, size)
		if err != nil {
			return fmt.Errorf("tallying %s: %w", opts.genDir, err)
		}
	}

	res, err := frechet.Distance(trueTally.Scaled(cfg.Tally.Scale), genTally.Scaled(cfg.Tally.Scale))
	if err != nil {
		return fmt.Errorf("computing distance: %w", err)
	}
	m.SetDistance(res.Distance, res.MeanComponent, res.CovComponent)
	fmt.Fprintf(stdout, "fsd: %f; meandiff: %f; covdiff: %f\n", res.Distance, res.MeanComponent, res.CovComponent)

	if cfg.Figure.Output != "" {
		if err := writeFigure(cfg, trueTally, genTally); err != nil {
			return err
		}
		log.Info("wrote figure", "path", cfg.Figure.Output)
	}

	if cfg.Metrics.Textfile != "" {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			return err
		}
	}
	return nil
}

func writeFigure(cfg *config.Config, trueTally, genTally *tally.Matrix) error {
	meta, err := model.LoadMetadata(cfg.Model.MetadataPath)
	if err != nil {
		return fmt.Errorf("loading label names: %w", err)
	}
	entries, err := figure.Select(trueTally, genTally, meta.Labels, cfg.Figure.LabelCount)
	if err != nil {
		return fmt.Errorf("selecting figure labels: %w", err)
	}
	return figure.Render(cfg.Figure.Output, entries, figure.Options{
		LabelCount: cfg.Figure.LabelCount,
		MaxScale:   cfg.Figure.MaxScale,
		DPI:        cfg.Figure.DPI,
	})
}
