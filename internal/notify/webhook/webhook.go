// Package webhook delivers patient SMS through an HTTP gateway.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/intake/internal/intake"
)

const httpTimeout = 10 * time.Second

// Gateway posts outbound messages to an SMS gateway endpoint.
type Gateway struct {
	url    string
	token  string
	client *http.Client
	logger log.Logger
}

// New creates a gateway client. token, if set, is sent as a bearer token.
func New(url, token string, logger log.Logger) *Gateway {
	if url == "" {
		panic(xerrors.New("webhook url is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Gateway{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: httpTimeout},
		logger: logger,
	}
}

// Deliver posts msg as JSON. The delivery ref doubles as the idempotency key
// so a gateway can drop retries of the same notification.
func (g *Gateway) Deliver(ctx context.Context, msg *intake.Outbound) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("webhook: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.Ref)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req) //nolint:gosec // G704: url is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: gateway returned %d: %s", resp.StatusCode, string(respBody))
	}

	g.logger.Info(ctx, "sms handed to gateway", "ref", msg.Ref, "segments", msg.Segments)
	return nil
}
