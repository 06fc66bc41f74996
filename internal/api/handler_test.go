package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sendbridge/remitd/internal/account"
	"github.com/sendbridge/remitd/internal/api"
	"github.com/sendbridge/remitd/internal/api/middleware"
	"github.com/sendbridge/remitd/internal/config"
	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/fx"
	"github.com/sendbridge/remitd/internal/models"
	"github.com/sendbridge/remitd/internal/service"
	"github.com/sendbridge/remitd/internal/storage/memory"
)

const (
	testJWTSecret   = "test-secret-0123456789-test-secret"
	testJWTIssuer   = "remitd-test"
	testJWTAudience = "remitd-api-test"
)

type apiFixture struct {
	router     http.Handler
	store      *memory.Store
	agentID    uuid.UUID
	terminalID uuid.UUID
	serviceID  uuid.UUID
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	middleware.SetJWTSecret(testJWTSecret)
	middleware.SetJWTValidation(testJWTIssuer, testJWTAudience)

	store := memory.NewStore()
	f := &apiFixture{
		store:      store,
		agentID:    uuid.New(),
		terminalID: uuid.New(),
		serviceID:  uuid.New(),
	}

	store.SeedAgent(models.Agent{
		ID:           f.agentID,
		Name:         "acme remit",
		Currency:     "USD",
		BalanceMinor: 100_000_000,
		IsActive:     true,
	})
	store.SeedTerminal(models.Terminal{ID: f.terminalID, AgentID: f.agentID, Name: "kiosk-1", IsActive: true})
	store.SeedService(models.Service{
		ID:                    f.serviceID,
		Name:                  "card payout",
		ProviderCode:          "mockpay",
		SettlementCurrency:    "RUB",
		MinAmountMinor:        1000,
		MaxAmountMinor:        1000000,
		AccountDefinitionCode: "wallet",
		AllowedCurrencies:     []string{"USD"},
		IsActive:              true,
	})
	_, err := store.Queries().UpsertAccountDefinition(ctx, models.AccountDefinition{
		Code:          "wallet",
		Regex:         `\d{10,12}`,
		NormalizeMode: domain.NormalizeStripSpace,
		Algorithm:     domain.AlgorithmNone,
		MinLength:     10,
		MaxLength:     12,
	})
	require.NoError(t, err)
	_, err = store.Queries().InsertFxRate(ctx, models.FxRate{
		AgentID:   f.agentID,
		Base:      "USD",
		Quote:     "RUB",
		Rate:      decimal.RequireFromString("93.50"),
		Source:    "treasury",
		IsActive:  true,
		UpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	rates := fx.NewResolver(store, nil)
	transfers := service.NewTransferService(store, rates, account.NewValidator(),
		service.NewQuotationService(15*time.Minute), service.NewAuditService())

	cfg := &config.Config{
		JWTSecret:          testJWTSecret,
		PublicRateLimitRPS: 1000,
		AuthRateLimitRPS:   1000,
	}
	f.router = api.NewRouter(cfg, zap.NewNop(), store, nil, nil, transfers, rates).Routes()
	return f
}

func mintToken(t *testing.T, agentID uuid.UUID, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"agent_id": agentID.String(),
		"role":     role,
		"sub":      agentID.String(),
		"iss":      testJWTIssuer,
		"aud":      testJWTAudience,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	f := setupAPI(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTraceIDEchoedOnResponses(t *testing.T) {
	f := setupAPI(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Trace-ID", "trace-abc-123")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, "trace-abc-123", rec.Header().Get("X-Trace-ID"))
}

func TestAuthRequired(t *testing.T) {
	f := setupAPI(t)

	rec := f.do(t, http.MethodGet, "/v1/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")

	rec = f.do(t, http.MethodGet, "/v1/balance", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	f := setupAPI(t)
	agentToken := mintToken(t, f.agentID, "agent")

	rec := f.do(t, http.MethodPut, "/v1/admin/rates", agentToken, map[string]string{
		"agent_id": f.agentID.String(), "base": "USD", "quote": "KZT", "rate": "478.2",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTransferLifecycleOverHTTP(t *testing.T) {
	f := setupAPI(t)
	token := mintToken(t, f.agentID, "agent")

	// Check the destination first.
	rec := f.do(t, http.MethodPost, "/v1/transfers/check", token, map[string]any{
		"service_id": f.serviceID.String(),
		"account":    "9989 0123 4567",
		"currency":   "USD",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	check := decodeBody(t, rec)
	assert.Equal(t, "998901234567", check["account_normalized"])
	assert.Equal(t, "RUB", check["settlement_currency"])

	// Prepare creates the transfer and quotes the rate.
	prepareBody := map[string]any{
		"terminal_id":  f.terminalID.String(),
		"external_id":  "ext-http-1",
		"service_id":   f.serviceID.String(),
		"account":      "9989 0123 4567",
		"currency":     "USD",
		"amount_minor": 150000,
	}
	rec = f.do(t, http.MethodPost, "/v1/transfers/prepare", token, prepareBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	prepared := decodeBody(t, rec)
	quotationID, _ := prepared["quotation_id"].(string)
	require.NotEmpty(t, quotationID)
	assert.Equal(t, "93.5", prepared["rate"])
	assert.Equal(t, false, prepared["replayed"])
	transfer := prepared["transfer"].(map[string]any)
	assert.Equal(t, domain.TransferStatusPrepared, transfer["status"])
	assert.Equal(t, float64(14025000), transfer["credit_amount_minor"])

	// The same payload replays with 200 and the original quotation.
	rec = f.do(t, http.MethodPost, "/v1/transfers/prepare", token, prepareBody)
	require.Equal(t, http.StatusOK, rec.Code)
	replayed := decodeBody(t, rec)
	assert.Equal(t, true, replayed["replayed"])
	assert.Equal(t, quotationID, replayed["quotation_id"])

	// A different payload under the same external id conflicts.
	conflictBody := map[string]any{}
	for k, v := range prepareBody {
		conflictBody[k] = v
	}
	conflictBody["amount_minor"] = 200000
	rec = f.do(t, http.MethodPost, "/v1/transfers/prepare", token, conflictBody)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Confirm consumes the quotation and debits the float.
	rec = f.do(t, http.MethodPost, "/v1/transfers/confirm", token, map[string]string{
		"external_id":  "ext-http-1",
		"quotation_id": quotationID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	confirmed := decodeBody(t, rec)
	assert.Equal(t, domain.TransferStatusConfirmed, confirmed["transfer"].(map[string]any)["status"])
	assert.NotZero(t, confirmed["outbox_id"])

	// A second confirm is a state conflict.
	rec = f.do(t, http.MethodPost, "/v1/transfers/confirm", token, map[string]string{
		"external_id":  "ext-http-1",
		"quotation_id": quotationID,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Status lookup by external id.
	rec = f.do(t, http.MethodGet, "/v1/transfers/ext-http-1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, domain.TransferStatusConfirmed, status["status"])

	// The balance reflects the debit of amount plus fee.
	rec = f.do(t, http.MethodGet, "/v1/balance", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decodeBody(t, rec)
	assert.Equal(t, float64(100_000_000-150000), balance["balance_minor"])
}

func TestTransferNotFoundProblem(t *testing.T) {
	f := setupAPI(t)
	token := mintToken(t, f.agentID, "agent")

	rec := f.do(t, http.MethodGet, "/v1/transfers/ext-none", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
	body := decodeBody(t, rec)
	assert.Equal(t, "transfer/not-found", body["code"])
}

func TestPrepareValidationProblem(t *testing.T) {
	f := setupAPI(t)
	token := mintToken(t, f.agentID, "agent")

	rec := f.do(t, http.MethodPost, "/v1/transfers/prepare", token, map[string]any{
		"terminal_id":  f.terminalID.String(),
		"external_id":  "ext-small",
		"service_id":   f.serviceID.String(),
		"account":      "998901234567",
		"currency":     "USD",
		"amount_minor": 10,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "amount/out-of-range", body["code"])
}

func TestRateEndpoints(t *testing.T) {
	f := setupAPI(t)
	token := mintToken(t, f.agentID, "agent")

	rec := f.do(t, http.MethodGet, "/v1/rates/USD/RUB", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "93.5", body["rate"])

	// The inverse direction is never derived.
	rec = f.do(t, http.MethodGet, "/v1/rates/RUB/USD", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/rates", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody(t, rec)
	assert.Len(t, list["rates"], 1)
}

func TestAdminRateUpsert(t *testing.T) {
	f := setupAPI(t)
	adminToken := mintToken(t, f.agentID, "admin")
	agentToken := mintToken(t, f.agentID, "agent")

	rec := f.do(t, http.MethodPut, "/v1/admin/rates", adminToken, map[string]string{
		"agent_id": f.agentID.String(),
		"base":     "USD",
		"quote":    "RUB",
		"rate":     "94.10",
		"source":   "treasury",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/rates/USD/RUB", agentToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "94.1", body["rate"])
}

func TestAdminAccountDefinitions(t *testing.T) {
	f := setupAPI(t)
	adminToken := mintToken(t, f.agentID, "admin")

	rec := f.do(t, http.MethodPut, "/v1/admin/account-definitions", adminToken, map[string]any{
		"code":           "iban",
		"normalize_mode": domain.NormalizeAlnumUpper,
		"algorithm":      domain.AlgorithmMod97,
		"min_length":     15,
		"max_length":     34,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/admin/account-definitions", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["definitions"], 2)

	rec = f.do(t, http.MethodPut, "/v1/admin/account-definitions", adminToken, map[string]any{
		"code":           "bad",
		"normalize_mode": "shuffle",
		"algorithm":      domain.AlgorithmNone,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminFraudOverride(t *testing.T) {
	f := setupAPI(t)
	agentToken := mintToken(t, f.agentID, "agent")
	adminToken := mintToken(t, f.agentID, "admin")

	rec := f.do(t, http.MethodPost, "/v1/transfers/prepare", agentToken, map[string]any{
		"terminal_id":  f.terminalID.String(),
		"external_id":  "ext-fraud",
		"service_id":   f.serviceID.String(),
		"account":      "998901234567",
		"currency":     "USD",
		"amount_minor": 150000,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	prepared := decodeBody(t, rec)
	transferID := int64(prepared["transfer"].(map[string]any)["id"].(float64))

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/admin/transfers/%d/fraud", transferID), adminToken,
		map[string]string{"reason": "risk review"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/transfers/ext-fraud", agentToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TransferStatusFraud, decodeBody(t, rec)["status"])

	// Triage listing sees it.
	rec = f.do(t, http.MethodGet, "/v1/admin/transfers?status=FRAUD", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["transfers"], 1)
}

func TestAdminOutboxInspection(t *testing.T) {
	f := setupAPI(t)
	agentToken := mintToken(t, f.agentID, "agent")
	adminToken := mintToken(t, f.agentID, "admin")

	rec := f.do(t, http.MethodPost, "/v1/transfers/prepare", agentToken, map[string]any{
		"terminal_id":  f.terminalID.String(),
		"external_id":  "ext-outbox",
		"service_id":   f.serviceID.String(),
		"account":      "998901234567",
		"currency":     "USD",
		"amount_minor": 150000,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	prepared := decodeBody(t, rec)
	transferID := int64(prepared["transfer"].(map[string]any)["id"].(float64))

	// No entry before Confirm.
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/v1/admin/transfers/%d/outbox", transferID), adminToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/transfers/confirm", agentToken, map[string]string{
		"external_id":  "ext-outbox",
		"quotation_id": prepared["quotation_id"].(string),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/v1/admin/transfers/%d/outbox", transferID), adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entry := decodeBody(t, rec)
	assert.Equal(t, domain.OutboxStatusPending, entry["status"])
	assert.Equal(t, "mockpay", entry["provider_code"])
}

func TestOpenAPIDocumentServed(t *testing.T) {
	f := setupAPI(t)

	rec := f.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi:")
}
