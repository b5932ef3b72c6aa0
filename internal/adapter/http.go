package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/retry"
)

const maxResponseBody = 1 << 20

// HTTP posts each call as JSON to a fixed endpoint. Header values may reference
// environment variables ($NAME) so credentials stay out of config.yaml.
type HTTP struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTP(name string, cfg model.AdapterConfig, timeout time.Duration) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("adapter %s: url is empty", name)
	}
	h := &HTTP{
		name:    name,
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return h, nil
}

func (h *HTTP) Call(ctx context.Context, action string, params map[string]any) (*Result, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s %s: rate limit wait: %w", h.name, action, err)
		}
	}
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(request{Action: action, Params: params})
	if err != nil {
		return nil, fmt.Errorf("%s %s: encode request: %w", h.name, action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s %s: build request: %w", h.name, action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", h.name, action, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read response: %w", h.name, action, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := string(bytes.TrimSpace(data))
		if len(msg) > maxStderr {
			msg = msg[:maxStderr]
		}
		return nil, &retry.StatusError{
			Code: resp.StatusCode,
			Err:  fmt.Errorf("%s %s: %w", h.name, action, errors.New(msg)),
		}
	}
	return decodeResult(h.name, action, data)
}
