package tally

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Brownie44l1/segdist/internal/metrics"
	"github.com/Brownie44l1/segdist/internal/model"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is the number of images segmented per call.
const DefaultBatchSize = 10

// Segmenter assigns a label to every pixel of an image.
type Segmenter interface {
	Labels() []model.Label
	SegmentBatch(ctx context.Context, images []model.Image) ([]model.LabelMap, error)
}

// Dataset is an indexable collection of preprocessed images.
type Dataset interface {
	Len() int
	Load(ctx context.Context, i int) (model.Image, error)
}

// Generator renders images from latent vectors.
type Generator interface {
	LatentDim() int
	Generate(ctx context.Context, latents [][]float32) ([]model.Image, error)
}

// Computer drives a Segmenter over sampled images and aggregates the label
// histograms into a tally matrix. The Segmenter is shared across calls.
type Computer struct {
	seg       Segmenter
	batchSize int
	seed      int64
	workers   int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Computer.
type Option func(*Computer)

func WithBatchSize(n int) Option {
	return func(c *Computer) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

func WithSeed(seed int64) Option {
	return func(c *Computer) { c.seed = seed }
}

// WithWorkers bounds how many images of a batch are decoded concurrently.
func WithWorkers(n int) Option {
	return func(c *Computer) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Computer) { c.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Computer) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewComputer returns a Computer using seg for every tally.
func NewComputer(seg Segmenter, opts ...Option) *Computer {
	c := &Computer{
		seg:       seg,
		batchSize: DefaultBatchSize,
		seed:      DefaultSeed,
		workers:   DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Labels returns the segmenter's label list.
func (c *Computer) Labels() []model.Label {
	return c.seg.Labels()
}

// TallyDataset tallies a fixed random subset of size images from ds. Row i
// of the result belongs to the i-th sampled index.
func (c *Computer) TallyDataset(ctx context.Context, ds Dataset, size int) (*Matrix, error) {
	indices, err := FixedRandomSubset(ds.Len(), size, c.seed)
	if err != nil {
		return nil, err
	}
	c.logger.Info("tallying dataset", "images", size, "available", ds.Len(), "batch_size", c.batchSize)

	load := func(ctx context.Context, start, end int) ([]model.Image, error) {
		images := make([]model.Image, end-start)
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(c.workers)
		for i, idx := range indices[start:end] {
			i, idx := i, idx
			g.Go(func() error {
				img, err := ds.Load(ctx, idx)
				if err != nil {
					return fmt.Errorf("loading image %d: %w", idx, err)
				}
				images[i] = img
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return images, nil
	}
	return c.run(ctx, size, "dataset", load)
}

// TallyGenerated tallies size images rendered by gen from a seeded batch of
// latent vectors, in latent order.
func (c *Computer) TallyGenerated(ctx context.Context, gen Generator, size int) (*Matrix, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative sample size %d", size)
	}
	z := ZDataset(size, gen.LatentDim(), c.seed)
	c.logger.Info("tallying generator", "images", size, "latent_dim", gen.LatentDim(), "batch_size", c.batchSize)

	load := func(ctx context.Context, start, end int) ([]model.Image, error) {
		images, err := gen.Generate(ctx, z[start:end])
		if err != nil {
			return nil, fmt.Errorf("generating images %d-%d: %w", start, end, err)
		}
		if len(images) != end-start {
			return nil, fmt.Errorf("%w: generator returned %d images for %d latents", ErrShapeMismatch, len(images), end-start)
		}
		return images, nil
	}
	return c.run(ctx, size, "generator", load)
}

type batch struct {
	offset int
	images []model.Image
}

// run loads batch n+1 while batch n is being segmented. Each batch carries
// its row offset so histograms land in sampling order.
func (c *Computer) run(ctx context.Context, size int, source string,
	load func(ctx context.Context, start, end int) ([]model.Image, error)) (*Matrix, error) {
	result := NewMatrix(size, len(c.seg.Labels()))
	started := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	batches := make(chan batch, 1)

	g.Go(func() error {
		defer close(batches)
		for start := 0; start < size; start += c.batchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(start+c.batchSize, size)
			images, err := load(ctx, start, end)
			if err != nil {
				return err
			}
			select {
			case batches <- batch{offset: start, images: images}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for b := range batches {
			if err := c.segmentInto(ctx, result, b); err != nil {
				return err
			}
			c.metrics.ObserveImages(source, len(b.images))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	c.logger.Info("tally complete", "source", source, "images", size, "elapsed", time.Since(started))
	return result, nil
}

func (c *Computer) segmentInto(ctx context.Context, result *Matrix, b batch) error {
	started := time.Now()
	maps, err := c.seg.SegmentBatch(ctx, b.images)
	if err != nil {
		return fmt.Errorf("segmenting batch at %d: %w", b.offset, err)
	}
	c.metrics.ObserveBatch(time.Since(started))
	if len(maps) != len(b.images) {
		return fmt.Errorf("%w: segmenter returned %d maps for %d images", ErrShapeMismatch, len(maps), len(b.images))
	}
	for i, lm := range maps {
		if err := Histogram(lm, result.Row(b.offset+i)); err != nil {
			return fmt.Errorf("sample %d: %w", b.offset+i, err)
		}
	}
	c.logger.Debug("segmented batch", "offset", b.offset, "images", len(b.images), "elapsed", time.Since(started))
	return nil
}
