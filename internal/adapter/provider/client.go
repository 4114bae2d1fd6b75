package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"nova-ledger/config"
	"nova-ledger/internal/core/ports"

	"github.com/rs/zerolog"
)

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements ports.PaymentProvider against the provider's HTTP API.
//
// InitiateTransfer never returns a transport or timeout error: once the
// request may have reached the provider, the outcome is ambiguous and must be
// reported as such so the payout lands in `unknown` instead of being wrongly
// reversed.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient HTTPClient
	log        zerolog.Logger
}

// NewClient creates a provider client.
func NewClient(cfg config.ProviderConfig, httpClient HTTPClient, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		httpClient: httpClient,
		log:        log,
	}
}

type transferRequest struct {
	Destination      string `json:"destination"`
	Amount           int64  `json:"amount"`
	IdempotencyToken string `json:"idempotency_token"`
}

type transferResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// InitiateTransfer requests an outbound money movement.
func (c *Client) InitiateTransfer(ctx context.Context, destination string, amountMinor int64, idempotencyToken string) (*ports.ProviderTransfer, error) {
	body, err := json.Marshal(transferRequest{
		Destination:      destination,
		Amount:           amountMinor,
		IdempotencyToken: idempotencyToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal transfer request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", idempotencyToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The request may have reached the provider.
		c.log.Warn().Err(err).Str("token", idempotencyToken).Msg("provider initiate transfer: transport failure, outcome ambiguous")
		return &ports.ProviderTransfer{Status: ports.TransferAmbiguous}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var tr transferResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			c.log.Warn().Err(err).Msg("provider initiate transfer: unparseable response, outcome ambiguous")
			return &ports.ProviderTransfer{Status: ports.TransferAmbiguous}, nil
		}
		return &ports.ProviderTransfer{Reference: tr.Reference, Status: mapStatus(tr.Status)}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Definitive rejection: the transfer was not executed.
		return &ports.ProviderTransfer{Status: ports.TransferFailed}, nil
	default:
		return &ports.ProviderTransfer{Status: ports.TransferAmbiguous}, nil
	}
}

// GetTransfer queries the provider's authoritative state for a transfer.
// Unlike InitiateTransfer, transport failures surface as errors: the caller
// is the reconciler, which simply leaves the payout unresolved.
func (c *Client) GetTransfer(ctx context.Context, reference string) (*ports.ProviderTransfer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/transfers/"+reference, nil)
	if err != nil {
		return nil, fmt.Errorf("build get transfer request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", reference, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Provider confirms no such transfer was ever executed.
		return &ports.ProviderTransfer{Reference: reference, Status: ports.TransferFailed}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var tr transferResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return nil, fmt.Errorf("decode get transfer response: %w", err)
		}
		return &ports.ProviderTransfer{Reference: tr.Reference, Status: mapStatus(tr.Status)}, nil
	default:
		return &ports.ProviderTransfer{Reference: reference, Status: ports.TransferAmbiguous}, nil
	}
}

// mapStatus folds the provider's status vocabulary onto the engine's.
func mapStatus(s string) ports.TransferStatus {
	switch s {
	case "succeeded", "completed", "paid":
		return ports.TransferSucceeded
	case "failed", "rejected", "canceled", "not_found":
		return ports.TransferFailed
	default:
		return ports.TransferAmbiguous
	}
}
