package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/emberlink/emberlink/pkg/types"
)

// Sink receives validated results upstream. Implementations make exactly
// one delivery attempt; on failure the gateway caches and flushes later.
type Sink interface {
	Deliver(ctx context.Context, result *types.Result) error
}

// HTTPSink posts results as JSON to an upstream collector.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, result *types.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering to upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	return nil
}
