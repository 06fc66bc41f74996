package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/models"
)

// Authenticator decorates an outgoing provider request with credentials.
type Authenticator interface {
	Apply(req *http.Request, body []byte)
}

// APIKeyAuth sends the key in a fixed header.
type APIKeyAuth struct {
	Header string
	Key    string
}

func (a APIKeyAuth) Apply(req *http.Request, _ []byte) {
	header := a.Header
	if header == "" {
		header = "X-Api-Key"
	}
	req.Header.Set(header, a.Key)
}

// BearerAuth sends an OAuth-style bearer token.
type BearerAuth struct {
	Token string
}

func (a BearerAuth) Apply(req *http.Request, _ []byte) {
	req.Header.Set("Authorization", "Bearer "+a.Token)
}

// HMACAuth signs the request body with HMAC-SHA256 and sends the hex digest
// in a header, the same scheme providers use on their inbound webhooks.
type HMACAuth struct {
	Header string
	Secret []byte
}

func (a HMACAuth) Apply(req *http.Request, body []byte) {
	header := a.Header
	if header == "" {
		header = "X-Signature"
	}
	mac := hmac.New(sha256.New, a.Secret)
	mac.Write(body)
	req.Header.Set(header, hex.EncodeToString(mac.Sum(nil)))
}

// HTTPGateway posts settlement requests to a provider endpoint as JSON.
type HTTPGateway struct {
	name      string
	sendURL   string
	statusURL string
	auth      Authenticator
	client    *http.Client
}

// HTTPGatewayConfig describes one provider endpoint. StatusURL is optional;
// without it the gateway does not implement status queries.
type HTTPGatewayConfig struct {
	Name      string
	SendURL   string
	StatusURL string
	Auth      Authenticator
	Timeout   time.Duration
}

func NewHTTPGateway(cfg HTTPGatewayConfig) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		name:      cfg.Name,
		sendURL:   cfg.SendURL,
		statusURL: cfg.StatusURL,
		auth:      cfg.Auth,
		client:    &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Name() string { return g.name }

// wireResult is the response shape providers answer with.
type wireResult struct {
	Status      string            `json:"status"`
	ProviderRef string            `json:"provider_ref"`
	Fields      map[string]string `json:"fields"`
	Error       string            `json:"error"`
}

func (g *HTTPGateway) Send(ctx context.Context, req models.ProviderRequest) (models.ProviderResult, error) {
	return g.call(ctx, g.sendURL, req)
}

// QueryStatus asks the provider for the current state of a previously sent
// request. Only available when a status endpoint is configured.
func (g *HTTPGateway) QueryStatus(ctx context.Context, req models.ProviderRequest) (models.ProviderResult, error) {
	if g.statusURL == "" {
		return models.ProviderResult{}, fmt.Errorf("provider %s has no status endpoint", g.name)
	}
	return g.call(ctx, g.statusURL, req)
}

func (g *HTTPGateway) call(ctx context.Context, url string, req models.ProviderRequest) (models.ProviderResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return models.ProviderResult{}, fmt.Errorf("encode provider request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.ProviderResult{}, fmt.Errorf("build provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.auth != nil {
		g.auth.Apply(httpReq, body)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return models.ProviderResult{}, domain.Transportf(err, "provider %s unreachable", g.name)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.ProviderResult{}, domain.Transportf(err, "provider %s response truncated", g.name)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return models.ProviderResult{}, domain.Transportf(
			fmt.Errorf("status %d", resp.StatusCode), "provider %s returned a server error", g.name)
	}

	var wire wireResult
	if err := json.Unmarshal(raw, &wire); err != nil {
		return models.ProviderResult{}, domain.Transportf(err, "provider %s returned an unreadable response", g.name)
	}
	result := models.ProviderResult{
		Status:      wire.Status,
		ProviderRef: wire.ProviderRef,
		Fields:      wire.Fields,
		Error:       wire.Error,
	}
	switch result.Status {
	case domain.OutboxStatusSuccess, domain.OutboxStatusFailed, domain.OutboxStatusPending:
		return result, nil
	default:
		return models.ProviderResult{}, domain.Transportf(
			fmt.Errorf("status %q", wire.Status), "provider %s returned an unknown status", g.name)
	}
}
