package types

// Face is one detection returned by the embedding engine
type Face struct {
	Loc []int     `json:"loc"` // [top, right, bottom, left]
	Vec []float64 `json:"vec"` // 128-d face encoding
}

// EmbeddingResult is the success body of /process_image
type EmbeddingResult struct {
	Embedding []float64 `json:"embedding"`
}

// ErrorResult is the failure body of /process_image
type ErrorResult struct {
	Error string `json:"error"`
}

// Client-facing error messages. Internal detail never goes past these.
const (
	MsgNoImagePart = "No image part"
	MsgLoadFailed  = "Failed to load image"
	MsgNoFaceFound = "No face found"
)

// EmbeddingDim is the vector length produced by face_recognition's dlib model
const EmbeddingDim = 128
