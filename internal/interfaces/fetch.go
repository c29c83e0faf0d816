package interfaces

import (
	"context"
	"time"
)

// FetchResult is the output of a content acquisition strategy
type FetchResult struct {
	HTML         string
	StatusCode   int
	Metadata     map[string]interface{}
	CostEstimate float64
	Partial      bool
	Duration     time.Duration
}

// FetchOptions tunes a single acquisition attempt
type FetchOptions struct {
	UserAgent string
	Timeout   time.Duration
	WaitTime  time.Duration
}

// FetchStrategy is a black box that acquires HTML for a URL. Strategies may
// raise only the typed errors in the fetch package (timeout, unreachable,
// blocked, invalid-response) and never return partial HTML without marking
// the result partial.
type FetchStrategy interface {
	Name() string
	Fetch(ctx context.Context, url string, opts FetchOptions) (*FetchResult, error)
}
