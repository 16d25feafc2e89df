package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrInputShape is returned when an image or a model tensor does not have
// the shape the model was exported with.
var ErrInputShape = errors.New("input shape mismatch")

// Segmenter runs a semantic segmentation network exported to ONNX. The
// network takes a [B,3,H,W] float batch and returns [B,K,H,W] class scores;
// each pixel is assigned the class with the highest score.
type Segmenter struct {
	sess     inferer
	Metadata Metadata

	batch, height, width, classes int
}

// LoadMetadata reads and validates a segmentation metadata file.
func LoadMetadata(path string) (Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output"
	}

	if len(metadata.InputShape) != 4 || metadata.InputShape[1] != 3 {
		return Metadata{}, fmt.Errorf("%w: segmenter input must be [B,3,H,W], got %v", ErrInputShape, metadata.InputShape)
	}
	if len(metadata.OutputShape) != 4 || metadata.OutputShape[0] != metadata.InputShape[0] {
		return Metadata{}, fmt.Errorf("%w: segmenter output must be [B,K,H,W], got %v", ErrInputShape, metadata.OutputShape)
	}
	if int(metadata.OutputShape[1]) != len(metadata.Labels) {
		return Metadata{}, fmt.Errorf("%w: output has %d classes but metadata lists %d labels",
			ErrInputShape, metadata.OutputShape[1], len(metadata.Labels))
	}
	return metadata, nil
}

// NewSegmenter loads the model and allocates the tensors reused by every batch.
// InitRuntime must have been called.
func NewSegmenter(modelPath, metadataPath string, opts RuntimeOptions) (*Segmenter, error) {
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	sess, err := newSession(modelPath, metadata.InputName, metadata.OutputName,
		metadata.InputShape, metadata.OutputShape, opts)
	if err != nil {
		return nil, err
	}

	return &Segmenter{
		sess:     sess,
		Metadata: metadata,
		batch:    int(metadata.InputShape[0]),
		height:   int(metadata.InputShape[2]),
		width:    int(metadata.InputShape[3]),
		classes:  int(metadata.OutputShape[1]),
	}, nil
}

// Labels returns the label and category names in label-index order.
func (s *Segmenter) Labels() []Label {
	return s.Metadata.Labels
}

// SegmentBatch returns one label map per image. Images are fed to the network
// in chunks of the exported batch size; a short final chunk is zero padded
// and the padded outputs are discarded.
func (s *Segmenter) SegmentBatch(ctx context.Context, images []Image) ([]LabelMap, error) {
	outH, outW := int(s.Metadata.OutputShape[2]), int(s.Metadata.OutputShape[3])
	plane := 3 * s.height * s.width
	results := make([]LabelMap, 0, len(images))

	for start := 0; start < len(images); start += s.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+s.batch, len(images))

		in := s.sess.input()
		for i := start; i < end; i++ {
			img := images[i]
			if img.Channels != 3 || img.Height != s.height || img.Width != s.width {
				return nil, fmt.Errorf("%w: image %d is %dx%dx%d, model expects 3x%dx%d",
					ErrInputShape, i, img.Channels, img.Height, img.Width, s.height, s.width)
			}
			copy(in[(i-start)*plane:], img.Data)
		}
		clear(in[(end-start)*plane:])

		if err := s.sess.run(); err != nil {
			return nil, err
		}

		out := s.sess.output()
		scores := s.classes * outH * outW
		for i := 0; i < end-start; i++ {
			results = append(results, ArgmaxLabels(out[i*scores:(i+1)*scores], s.classes, outH, outW))
		}
	}
	return results, nil
}

// ArgmaxLabels converts a [K,H,W] score block into a label map. Ties resolve
// to the lowest label index.
func ArgmaxLabels(scores []float32, classes, height, width int) LabelMap {
	pixels := height * width
	labels := make([]int32, pixels)
	for p := 0; p < pixels; p++ {
		best := scores[p]
		bestIdx := 0
		for k := 1; k < classes; k++ {
			if v := scores[k*pixels+p]; v > best {
				best = v
				bestIdx = k
			}
		}
		labels[p] = int32(bestIdx)
	}
	return LabelMap{Width: width, Height: height, Labels: labels}
}

// Close releases the session and its tensors.
func (s *Segmenter) Close() {
	if s.sess != nil {
		s.sess.close()
	}
}
