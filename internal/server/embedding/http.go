package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
)

// HTTP calls an external embedding endpoint:
//
//	POST {"input": "..."} -> {"embedding": [0.1, ...]}
type HTTP struct {
	endpoint string
	dims     int
	client   *http.Client
}

func NewHTTP(endpoint string, dims int, timeout time.Duration) *HTTP {
	return &HTTP{
		endpoint: endpoint,
		dims:     dims,
		client:   &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) Dimensions() int { return h.dims }

type embedRequest struct {
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (h *HTTP) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Input: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w: %v", common.ErrPermanentConfiguration, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("embedding endpoint: %w: %v", common.ErrTransientNetwork, err)
		}
		return nil, fmt.Errorf("embedding endpoint: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("embedding endpoint status %d: %w", resp.StatusCode, common.ErrTransientNetwork)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("embedding endpoint status %d: %w", resp.StatusCode, common.ErrPermanentConfiguration)
	}

	var out embedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if h.dims > 0 && len(out.Embedding) != h.dims {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d: %w", len(out.Embedding), h.dims, common.ErrPermanentConfiguration)
	}
	return out.Embedding, nil
}
