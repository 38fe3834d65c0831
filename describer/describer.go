package describer

import "context"

// Request is one image description request.
type Request struct {
	// Image is the full contents of a JPEG file including the header.
	Image []byte
	// Prompt is empty when the backend should use its own instruction.
	Prompt string
	Model  string
}

// Result is the text produced for a Request.
type Result struct {
	Text       string
	TokenCount int
}

// Describer describes an image using a specific LLM.
type Describer interface {
	// Name returns the name of the backend, e.g. "llama" or "ollama"
	Name() string

	// DescribeImage returns an English description of the requested image.
	// The provided ctx is used as a parent context for the request to the
	// LLM server.
	DescribeImage(ctx context.Context, req Request) (Result, error)

	// IsHealthy returns whether the LLM server is healthy.
	IsHealthy(ctx context.Context) bool
}
