package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Brownie44l1/segdist/internal/config"
	"github.com/Brownie44l1/segdist/internal/imageset"
	"github.com/Brownie44l1/segdist/internal/logger"
	"github.com/Brownie44l1/segdist/internal/metrics"
	"github.com/Brownie44l1/segdist/internal/model"
	"github.com/Brownie44l1/segdist/internal/tally"
)

// engine owns the segmentation model for the whole run. The model is loaded
// on first use so that fully cached evaluations never touch the runtime.
type engine struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	once     sync.Once
	seg      *model.Segmenter
	computer *tally.Computer
	err      error
}

func newEngine(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *engine {
	return &engine{cfg: cfg, metrics: m, logger: logger}
}

func (e *engine) runtimeOptions() model.RuntimeOptions {
	return model.RuntimeOptions{
		LibraryPath:    e.cfg.Model.RuntimeLibrary,
		Backend:        model.Backend(e.cfg.Model.Backend),
		DeviceID:       e.cfg.Model.DeviceID,
		IntraOpThreads: e.cfg.Model.IntraOpThreads,
	}
}

func (e *engine) open() (*tally.Computer, error) {
	e.once.Do(func() {
		opts := e.runtimeOptions()
		if err := model.InitRuntime(opts); err != nil {
			e.err = err
			return
		}
		e.logger.Info("loading segmentation model", "path", e.cfg.Model.Path, "backend", opts.Backend)
		seg, err := model.NewSegmenter(e.cfg.Model.Path, e.cfg.Model.MetadataPath, opts)
		if err != nil {
			e.err = fmt.Errorf("loading segmenter: %w", err)
			return
		}
		e.seg = seg
		e.logger.Info("segmentation model loaded", "labels", len(seg.Labels()))
		e.computer = tally.NewComputer(seg,
			tally.WithBatchSize(e.cfg.Tally.BatchSize),
			tally.WithSeed(e.cfg.Tally.Seed),
			tally.WithWorkers(e.cfg.Tally.Workers),
			tally.WithMetrics(e.metrics),
			tally.WithLogger(logger.WithComponent(e.logger, "tally")),
		)
	})
	return e.computer, e.err
}

// tallyDirectory is the compute step behind the tally cache. The directory
// is scanned before the model is loaded.
func (e *engine) tallyDirectory(ctx context.Context, dir string, size int) (*tally.Matrix, error) {
	folder, err := imageset.NewFolder(dir, imageset.Transform{Size: e.cfg.Tally.ImageSize})
	if err != nil {
		return nil, err
	}
	computer, err := e.open()
	if err != nil {
		return nil, err
	}
	return computer.TallyDataset(ctx, folder, size)
}

// tallyGenerator tallies images rendered by the configured generator.
func (e *engine) tallyGenerator(ctx context.Context, size int) (*tally.Matrix, error) {
	computer, err := e.open()
	if err != nil {
		return nil, err
	}
	gen, err := model.NewGenerator(e.cfg.Generator.Path, e.cfg.Generator.MetadataPath, e.runtimeOptions())
	if err != nil {
		return nil, fmt.Errorf("loading generator: %w", err)
	}
	defer gen.Close()
	return computer.TallyGenerated(ctx, gen, size)
}

func (e *engine) close() {
	if e.seg != nil {
		e.seg.Close()
	}
	if err := model.ShutdownRuntime(); err != nil {
		e.logger.Warn("shutting down ONNX runtime", "error", err)
	}
}
