package model

// Metadata describes an exported segmentation network. It is read from the
// JSON file that sits next to the .onnx model.
type Metadata struct {
	InputName   string  `json:"input_name"`
	OutputName  string  `json:"output_name"`
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
	Labels      []Label `json:"labels"`
	ImageSize   int     `json:"image_size"`
}

// GeneratorMetadata describes an exported generative model that maps latent
// vectors to images.
type GeneratorMetadata struct {
	InputName   string  `json:"input_name"`
	OutputName  string  `json:"output_name"`
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
}

// Label is one segmentation class and the category it belongs to
// (for example "object", "part" or "material").
type Label struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Image is a single preprocessed image in CHW layout with values in [-1, 1].
type Image struct {
	Width    int
	Height   int
	Channels int
	Data     []float32
}

// LabelMap holds one label index per pixel in row-major order.
type LabelMap struct {
	Width  int
	Height int
	Labels []int32
}

// Pixels returns the number of pixels in the map.
func (m LabelMap) Pixels() int {
	return m.Width * m.Height
}
