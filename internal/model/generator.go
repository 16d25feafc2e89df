package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Generator runs a generative network exported to ONNX that maps a [B,Z]
// batch of latent vectors to a [B,3,H,W] batch of images in [-1, 1].
type Generator struct {
	sess     inferer
	Metadata GeneratorMetadata

	batch, zdim, height, width int
}

// NewGenerator loads the generator and allocates its reusable tensors.
func NewGenerator(modelPath, metadataPath string, opts RuntimeOptions) (*Generator, error) {
	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read generator metadata: %w", err)
	}
	var metadata GeneratorMetadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse generator metadata: %w", err)
	}
	if metadata.InputName == "" {
		metadata.InputName = "z"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "image"
	}
	if len(metadata.InputShape) != 2 {
		return nil, fmt.Errorf("%w: generator input must be [B,Z], got %v", ErrInputShape, metadata.InputShape)
	}
	if len(metadata.OutputShape) != 4 || metadata.OutputShape[1] != 3 || metadata.OutputShape[0] != metadata.InputShape[0] {
		return nil, fmt.Errorf("%w: generator output must be [B,3,H,W], got %v", ErrInputShape, metadata.OutputShape)
	}

	sess, err := newSession(modelPath, metadata.InputName, metadata.OutputName,
		metadata.InputShape, metadata.OutputShape, opts)
	if err != nil {
		return nil, err
	}

	return &Generator{
		sess:     sess,
		Metadata: metadata,
		batch:    int(metadata.InputShape[0]),
		zdim:     int(metadata.InputShape[1]),
		height:   int(metadata.OutputShape[2]),
		width:    int(metadata.OutputShape[3]),
	}, nil
}

// LatentDim returns the length of one latent vector.
func (g *Generator) LatentDim() int {
	return g.zdim
}

// Generate renders one image per latent vector.
func (g *Generator) Generate(ctx context.Context, latents [][]float32) ([]Image, error) {
	plane := 3 * g.height * g.width
	images := make([]Image, 0, len(latents))

	for start := 0; start < len(latents); start += g.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+g.batch, len(latents))

		in := g.sess.input()
		for i := start; i < end; i++ {
			if len(latents[i]) != g.zdim {
				return nil, fmt.Errorf("%w: latent %d has length %d, model expects %d",
					ErrInputShape, i, len(latents[i]), g.zdim)
			}
			copy(in[(i-start)*g.zdim:], latents[i])
		}
		clear(in[(end-start)*g.zdim:])

		if err := g.sess.run(); err != nil {
			return nil, err
		}

		out := g.sess.output()
		for i := 0; i < end-start; i++ {
			data := make([]float32, plane)
			copy(data, out[i*plane:(i+1)*plane])
			images = append(images, Image{Width: g.width, Height: g.height, Channels: 3, Data: data})
		}
	}
	return images, nil
}

// Close releases the session and its tensors.
func (g *Generator) Close() {
	if g.sess != nil {
		g.sess.close()
	}
}
