package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ScanVerdict is the malware collaborator's answer for one document.
type ScanVerdict struct {
	Clean  bool   `json:"clean"`
	Reason string `json:"reason,omitempty"`
}

// Scanner checks plaintext content before it is stored.
type Scanner interface {
	Scan(ctx context.Context, category string, content []byte) (ScanVerdict, error)
}

// NoopScanner accepts everything. Used when no scan endpoint is configured.
type NoopScanner struct{}

func (NoopScanner) Scan(context.Context, string, []byte) (ScanVerdict, error) {
	return ScanVerdict{Clean: true}, nil
}

// HTTPScanner posts content to an external verdict endpoint.
type HTTPScanner struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPScanner constructs a scanner calling endpoint with the given timeout.
func NewHTTPScanner(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPScanner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPScanner{endpoint: endpoint, client: &http.Client{Timeout: timeout}, logger: logger}
}

// Scan returns the verdict. Transport failures are errors, never an implicit pass.
func (s *HTTPScanner) Scan(ctx context.Context, category string, content []byte) (ScanVerdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(content))
	if err != nil {
		return ScanVerdict{}, fmt.Errorf("build scan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Document-Category", category)

	resp, err := s.client.Do(req)
	if err != nil {
		return ScanVerdict{}, fmt.Errorf("scan request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ScanVerdict{}, fmt.Errorf("scan endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var verdict ScanVerdict
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&verdict); err != nil {
		return ScanVerdict{}, fmt.Errorf("decode scan verdict: %w", err)
	}
	if !verdict.Clean {
		s.logger.Info("scanner rejected document", zap.String("category", category), zap.String("reason", verdict.Reason))
	}
	return verdict, nil
}
