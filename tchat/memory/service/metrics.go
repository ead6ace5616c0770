package service

import "time"

// Retrieval operation names reported to Metrics.
const (
	OpSearch = "search"
	OpAnswer = "answer"
	OpIndex  = "index"
	OpEmbed  = "embed"
)

type noOpMetrics struct{}

func (noOpMetrics) ObserveRetrieval(string, time.Duration, error) {}
func (noOpMetrics) SetIndexedChunks(int)                          {}

var _ Metrics = noOpMetrics{}
