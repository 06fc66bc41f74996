package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/models"
)

func sampleRequest() models.ProviderRequest {
	return models.ProviderRequest{
		TransferID:        42,
		ExternalID:        "ext-42",
		ProviderCode:      "mockpay",
		Account:           "998901234567",
		AmountMinor:       150000,
		Currency:          "USD",
		CreditAmountMinor: 14025000,
		CreditCurrency:    "RUB",
	}
}

func TestHTTPGatewaySendParsesResult(t *testing.T) {
	var seen models.ProviderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":       "SUCCESS",
			"provider_ref": "MP-1",
			"fields":       map[string]string{"receipt": "r-1"},
		})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(HTTPGatewayConfig{Name: "mockpay", SendURL: srv.URL})
	result, err := gw.Send(context.Background(), sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.OutboxStatusSuccess, result.Status)
	assert.Equal(t, "MP-1", result.ProviderRef)
	assert.Equal(t, "r-1", result.Fields["receipt"])
	assert.Equal(t, int64(42), seen.TransferID)
	assert.Equal(t, "998901234567", seen.Account)
}

func TestHTTPGatewayAuthenticators(t *testing.T) {
	secret := []byte("webhook-secret")
	var gotHeaders http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "PENDING"})
	}))
	defer srv.Close()

	cases := []struct {
		name   string
		auth   Authenticator
		verify func(t *testing.T)
	}{
		{
			name: "api key default header",
			auth: APIKeyAuth{Key: "k-123"},
			verify: func(t *testing.T) {
				assert.Equal(t, "k-123", gotHeaders.Get("X-Api-Key"))
			},
		},
		{
			name: "api key custom header",
			auth: APIKeyAuth{Header: "X-Provider-Key", Key: "k-456"},
			verify: func(t *testing.T) {
				assert.Equal(t, "k-456", gotHeaders.Get("X-Provider-Key"))
			},
		},
		{
			name: "bearer",
			auth: BearerAuth{Token: "tok"},
			verify: func(t *testing.T) {
				assert.Equal(t, "Bearer tok", gotHeaders.Get("Authorization"))
			},
		},
		{
			name: "hmac signs the exact body",
			auth: HMACAuth{Secret: secret},
			verify: func(t *testing.T) {
				mac := hmac.New(sha256.New, secret)
				mac.Write(gotBody)
				assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotHeaders.Get("X-Signature"))
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := NewHTTPGateway(HTTPGatewayConfig{Name: "mockpay", SendURL: srv.URL, Auth: tc.auth})
			_, err := gw.Send(context.Background(), sampleRequest())
			require.NoError(t, err)
			tc.verify(t)
		})
	}
}

func TestHTTPGatewayServerErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(HTTPGatewayConfig{Name: "mockpay", SendURL: srv.URL})
	_, err := gw.Send(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Equal(t, domain.KindTransport, domain.KindOf(err))
	assert.False(t, IsTimeout(err))
}

func TestHTTPGatewayUnknownStatusIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "MAYBE"})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(HTTPGatewayConfig{Name: "mockpay", SendURL: srv.URL})
	_, err := gw.Send(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Equal(t, domain.KindTransport, domain.KindOf(err))
}

func TestHTTPGatewayTimeoutIsAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(HTTPGatewayConfig{Name: "mockpay", SendURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := gw.Send(ctx, sampleRequest())
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestHTTPGatewayStatusEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "SUCCESS", "provider_ref": "MP-7"})
	}))
	defer srv.Close()

	withStatus := NewHTTPGateway(HTTPGatewayConfig{Name: "mockpay", SendURL: srv.URL, StatusURL: srv.URL + "/status"})
	result, err := withStatus.QueryStatus(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "MP-7", result.ProviderRef)

	withoutStatus := NewHTTPGateway(HTTPGatewayConfig{Name: "mockpay", SendURL: srv.URL})
	_, err = withoutStatus.QueryStatus(context.Background(), sampleRequest())
	require.Error(t, err)
}

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	reg := NewRegistry(NewStub("MockPay"), NewStub("cashdesk"))

	gw, err := reg.Get("mockpay")
	require.NoError(t, err)
	assert.Equal(t, "MockPay", gw.Name())

	_, err = reg.Get("ghostpay")
	require.Error(t, err)

	assert.Equal(t, []string{"cashdesk", "mockpay"}, reg.Names())
}
