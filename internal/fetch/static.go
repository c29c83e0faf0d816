package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/interfaces"
)

// StaticStrategy acquires HTML with a plain HTTP GET. Cheapest and fastest;
// useless against client-rendered pages.
type StaticStrategy struct {
	client *http.Client
	config *common.FetchConfig
	logger arbor.ILogger
}

// NewStaticStrategy creates the static HTTP strategy
func NewStaticStrategy(config *common.FetchConfig, logger arbor.ILogger) *StaticStrategy {
	return &StaticStrategy{
		client: &http.Client{
			Timeout: config.RequestTimeout,
		},
		config: config,
		logger: logger,
	}
}

// Name returns the strategy identifier
func (s *StaticStrategy) Name() string {
	return "static"
}

// Fetch performs the HTTP GET and classifies every failure into a typed
// fetch error
func (s *StaticStrategy) Fetch(ctx context.Context, rawURL string, opts interfaces.FetchOptions) (*interfaces.FetchResult, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, NewError(ErrKindInvalidResponse, rawURL, 0, err)
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = s.config.UserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	if kind := KindForStatus(resp.StatusCode); kind != "" {
		return nil, NewError(kind, rawURL, resp.StatusCode, nil)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.Contains(contentType, "xml") {
		return nil, NewError(ErrKindInvalidResponse, rawURL, resp.StatusCode, fmt.Errorf("unsupported content type %q", contentType))
	}

	limit := s.config.MaxBodySize
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)))
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}

	s.logger.Debug().
		Str("url", rawURL).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Msg("Static fetch complete")

	return &interfaces.FetchResult{
		HTML:       string(body),
		StatusCode: resp.StatusCode,
		Metadata: map[string]interface{}{
			"content_type": contentType,
			"strategy":     s.Name(),
		},
		CostEstimate: 1,
		Duration:     time.Since(start),
	}, nil
}

// classifyTransportError maps transport failures onto the typed kinds
func classifyTransportError(rawURL string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrKindTimeout, rawURL, 0, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(ErrKindTimeout, rawURL, 0, err)
	}
	return NewError(ErrKindUnreachable, rawURL, 0, err)
}
