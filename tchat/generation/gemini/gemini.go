// Package gemini implements the harness provider port, the image backend and
// the embedder for the Google Gemini API.
//
// It wraps the google.golang.org/genai SDK, translating between the harness
// prompt types and the Gemini API types.
package gemini

const (
	defaultChatModel      = "gemini-2.5-flash"
	defaultImageModel     = "gemini-2.5-flash-image"
	defaultEmbeddingModel = "text-embedding-004"
	defaultMaxTokens      = 1024

	// Embedding task types.
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
)
