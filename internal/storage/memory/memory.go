// Package memory implements storage.Store on in-process maps. A single
// mutex serializes units of work, which gives the same per-record
// atomicity guarantees as the postgres adapter. Used by tests and for
// running the service without external infrastructure.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/models"
	"github.com/sendbridge/remitd/internal/storage"
)

type state struct {
	agents         map[uuid.UUID]models.Agent
	terminals      map[uuid.UUID]models.Terminal
	services       map[uuid.UUID]models.Service
	accountDefs    map[string]models.AccountDefinition
	accountDefSeq  int64
	fxRates        map[int64]models.FxRate
	fxSeq          int64
	transfers      map[int64]models.Transfer
	transferSeq    int64
	transfersByKey map[string]int64
	quotations     map[string]models.Quotation
	outbox         map[int64]models.OutboxEntry
	outboxSeq      int64
	audit          []models.AuditRecord
	auditSeq       int64
}

// Store is the in-memory storage.Store implementation.
type Store struct {
	mu sync.Mutex
	st state
}

var _ storage.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{st: state{
		agents:         map[uuid.UUID]models.Agent{},
		terminals:      map[uuid.UUID]models.Terminal{},
		services:       map[uuid.UUID]models.Service{},
		accountDefs:    map[string]models.AccountDefinition{},
		fxRates:        map[int64]models.FxRate{},
		transfers:      map[int64]models.Transfer{},
		transfersByKey: map[string]int64{},
		quotations:     map[string]models.Quotation{},
		outbox:         map[int64]models.OutboxEntry{},
	}}
}

// Queries returns the non-transactional query set. Each call locks the
// store for its duration.
func (s *Store) Queries() storage.Queries {
	return &queries{s: s, autoLock: true}
}

// RunInTx executes fn under the store lock. On error every mutation made by
// fn is rolled back, mirroring a database transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(q storage.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.st.clone()
	if err := fn(&queries{s: s}); err != nil {
		s.st = snap
		return err
	}
	return nil
}

// Seed helpers used by tests and local bootstrap. They bypass the engine's
// reference-data immutability on purpose.

func (s *Store) SeedAgent(a models.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.st.agents[a.ID] = a
}

func (s *Store) SeedTerminal(t models.Terminal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.terminals[t.ID] = t
}

func (s *Store) SeedService(svc models.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.services[svc.ID] = cloneService(svc)
}

func transferKey(agentID uuid.UUID, externalID string) string {
	return agentID.String() + "|" + externalID
}

type queries struct {
	s        *Store
	autoLock bool
}

var _ storage.Queries = (*queries)(nil)

func (q *queries) lock() func() {
	if !q.autoLock {
		return func() {}
	}
	q.s.mu.Lock()
	return q.s.mu.Unlock
}

func (q *queries) GetAgent(ctx context.Context, id uuid.UUID) (models.Agent, error) {
	defer q.lock()()
	a, ok := q.s.st.agents[id]
	if !ok {
		return models.Agent{}, storage.ErrNoRows
	}
	return a, nil
}

func (q *queries) GetTerminal(ctx context.Context, id uuid.UUID) (models.Terminal, error) {
	defer q.lock()()
	t, ok := q.s.st.terminals[id]
	if !ok {
		return models.Terminal{}, storage.ErrNoRows
	}
	return t, nil
}

func (q *queries) GetService(ctx context.Context, id uuid.UUID) (models.Service, error) {
	defer q.lock()()
	svc, ok := q.s.st.services[id]
	if !ok {
		return models.Service{}, storage.ErrNoRows
	}
	return cloneService(svc), nil
}

func (q *queries) GetAccountDefinitionByCode(ctx context.Context, code string) (models.AccountDefinition, error) {
	defer q.lock()()
	def, ok := q.s.st.accountDefs[strings.ToLower(code)]
	if !ok {
		return models.AccountDefinition{}, storage.ErrNoRows
	}
	return def, nil
}

func (q *queries) ListAccountDefinitions(ctx context.Context) ([]models.AccountDefinition, error) {
	defer q.lock()()
	out := make([]models.AccountDefinition, 0, len(q.s.st.accountDefs))
	for _, def := range q.s.st.accountDefs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (q *queries) UpsertAccountDefinition(ctx context.Context, def models.AccountDefinition) (models.AccountDefinition, error) {
	defer q.lock()()
	key := strings.ToLower(def.Code)
	if existing, ok := q.s.st.accountDefs[key]; ok {
		def.ID = existing.ID
	} else {
		q.s.st.accountDefSeq++
		def.ID = q.s.st.accountDefSeq
	}
	q.s.st.accountDefs[key] = def
	return def, nil
}

func (q *queries) AdjustAgentBalance(ctx context.Context, id uuid.UUID, deltaMinor int64) (int64, error) {
	defer q.lock()()
	a, ok := q.s.st.agents[id]
	if !ok {
		return 0, nil
	}
	next := a.BalanceMinor + deltaMinor
	if next < 0 {
		return 0, nil
	}
	a.BalanceMinor = next
	q.s.st.agents[id] = a
	return 1, nil
}

func (q *queries) GetActiveFxRate(ctx context.Context, agentID uuid.UUID, base, quote string) (models.FxRate, error) {
	defer q.lock()()
	return q.findActiveRate(agentID, base, quote)
}

func (q *queries) GetActiveFxRateForUpdate(ctx context.Context, agentID uuid.UUID, base, quote string) (models.FxRate, error) {
	defer q.lock()()
	return q.findActiveRate(agentID, base, quote)
}

func (q *queries) findActiveRate(agentID uuid.UUID, base, quote string) (models.FxRate, error) {
	for _, r := range q.s.st.fxRates {
		if r.IsActive && r.AgentID == agentID && r.Base == base && r.Quote == quote {
			return r, nil
		}
	}
	return models.FxRate{}, storage.ErrNoRows
}

func (q *queries) InsertFxRate(ctx context.Context, rate models.FxRate) (models.FxRate, error) {
	defer q.lock()()
	if _, err := q.findActiveRate(rate.AgentID, rate.Base, rate.Quote); err == nil && rate.IsActive {
		return models.FxRate{}, fmt.Errorf("duplicate active rate for %s/%s", rate.Base, rate.Quote)
	}
	q.s.st.fxSeq++
	rate.ID = q.s.st.fxSeq
	q.s.st.fxRates[rate.ID] = rate
	return rate, nil
}

func (q *queries) UpdateFxRate(ctx context.Context, id int64, rate decimal.Decimal, source string, updatedAt time.Time) (int64, error) {
	defer q.lock()()
	r, ok := q.s.st.fxRates[id]
	if !ok {
		return 0, nil
	}
	r.Rate = rate
	r.Source = source
	r.UpdatedAt = updatedAt
	q.s.st.fxRates[id] = r
	return 1, nil
}

func (q *queries) ListActiveFxRates(ctx context.Context, agentID uuid.UUID) ([]models.FxRate, error) {
	defer q.lock()()
	var out []models.FxRate
	for _, r := range q.s.st.fxRates {
		if r.IsActive && r.AgentID == agentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Base != out[j].Base {
			return out[i].Base < out[j].Base
		}
		return out[i].Quote < out[j].Quote
	})
	return out, nil
}

func (q *queries) InsertTransfer(ctx context.Context, t models.Transfer) (models.Transfer, error) {
	defer q.lock()()
	key := transferKey(t.AgentID, t.ExternalID)
	if _, ok := q.s.st.transfersByKey[key]; ok {
		return models.Transfer{}, fmt.Errorf("duplicate transfer key %s", key)
	}
	q.s.st.transferSeq++
	t.ID = q.s.st.transferSeq
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	q.s.st.transfers[t.ID] = cloneTransfer(t)
	q.s.st.transfersByKey[key] = t.ID
	return t, nil
}

func (q *queries) GetTransfer(ctx context.Context, id int64) (models.Transfer, error) {
	defer q.lock()()
	t, ok := q.s.st.transfers[id]
	if !ok {
		return models.Transfer{}, storage.ErrNoRows
	}
	return cloneTransfer(t), nil
}

func (q *queries) GetTransferForUpdate(ctx context.Context, id int64) (models.Transfer, error) {
	return q.GetTransfer(ctx, id)
}

func (q *queries) GetTransferByExternalID(ctx context.Context, agentID uuid.UUID, externalID string) (models.Transfer, error) {
	defer q.lock()()
	id, ok := q.s.st.transfersByKey[transferKey(agentID, externalID)]
	if !ok {
		return models.Transfer{}, storage.ErrNoRows
	}
	return cloneTransfer(q.s.st.transfers[id]), nil
}

func (q *queries) GetTransferByExternalIDForUpdate(ctx context.Context, agentID uuid.UUID, externalID string) (models.Transfer, error) {
	return q.GetTransferByExternalID(ctx, agentID, externalID)
}

func (q *queries) UpdateTransferStatus(ctx context.Context, id int64, status string) (int64, error) {
	defer q.lock()()
	t, ok := q.s.st.transfers[id]
	if !ok {
		return 0, nil
	}
	t.Status = status
	q.s.st.transfers[id] = t
	return 1, nil
}

func (q *queries) SetTransferQuotation(ctx context.Context, id int64, quotationID string) (int64, error) {
	defer q.lock()()
	t, ok := q.s.st.transfers[id]
	if !ok {
		return 0, nil
	}
	t.QuotationID = &quotationID
	q.s.st.transfers[id] = t
	return 1, nil
}

func (q *queries) SetTransferConfirmedAt(ctx context.Context, id int64, at time.Time) (int64, error) {
	defer q.lock()()
	t, ok := q.s.st.transfers[id]
	if !ok {
		return 0, nil
	}
	t.ConfirmedAt = &at
	q.s.st.transfers[id] = t
	return 1, nil
}

func (q *queries) SetTransferCompletedAt(ctx context.Context, id int64, at time.Time) (int64, error) {
	defer q.lock()()
	t, ok := q.s.st.transfers[id]
	if !ok {
		return 0, nil
	}
	t.CompletedAt = &at
	q.s.st.transfers[id] = t
	return 1, nil
}

func (q *queries) SetTransferProviderOutcome(ctx context.Context, id int64, providerRef *string, fields map[string]string, providerErr *string) (int64, error) {
	defer q.lock()()
	t, ok := q.s.st.transfers[id]
	if !ok {
		return 0, nil
	}
	if providerRef != nil {
		ref := *providerRef
		t.ProviderRef = &ref
	}
	if fields != nil {
		t.ProviderFields = cloneStringMap(fields)
	}
	if providerErr != nil {
		msg := *providerErr
		t.ProviderError = &msg
	}
	q.s.st.transfers[id] = t
	return 1, nil
}

func (q *queries) ListExpiredPrepared(ctx context.Context, now time.Time, limit int32) ([]models.Transfer, error) {
	defer q.lock()()
	var out []models.Transfer
	for _, t := range q.s.st.transfers {
		if t.Status != domain.TransferStatusPrepared || t.QuotationID == nil {
			continue
		}
		quote, ok := q.s.st.quotations[*t.QuotationID]
		if !ok || quote.ExpiresAt.After(now) {
			continue
		}
		out = append(out, cloneTransfer(t))
		if limit > 0 && int32(len(out)) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *queries) ListTransfersByStatus(ctx context.Context, status string, limit, offset int32) ([]models.Transfer, error) {
	defer q.lock()()
	var all []models.Transfer
	for _, t := range q.s.st.transfers {
		if t.Status == status {
			all = append(all, cloneTransfer(t))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if offset >= int32(len(all)) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && int32(len(all)) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (q *queries) InsertQuotation(ctx context.Context, quote models.Quotation) error {
	defer q.lock()()
	if _, ok := q.s.st.quotations[quote.ID]; ok {
		return fmt.Errorf("duplicate quotation %s", quote.ID)
	}
	q.s.st.quotations[quote.ID] = cloneQuotation(quote)
	return nil
}

func (q *queries) GetQuotation(ctx context.Context, id string) (models.Quotation, error) {
	defer q.lock()()
	quote, ok := q.s.st.quotations[id]
	if !ok {
		return models.Quotation{}, storage.ErrNoRows
	}
	return cloneQuotation(quote), nil
}

func (q *queries) ConsumeQuotation(ctx context.Context, id string, at time.Time) (int64, error) {
	defer q.lock()()
	quote, ok := q.s.st.quotations[id]
	if !ok || quote.ConsumedAt != nil {
		return 0, nil
	}
	quote.ConsumedAt = &at
	q.s.st.quotations[id] = quote
	return 1, nil
}

func (q *queries) DeleteExpiredQuotations(ctx context.Context, cutoff time.Time) (int64, error) {
	defer q.lock()()
	var n int64
	for id, quote := range q.s.st.quotations {
		if quote.ExpiresAt.Before(cutoff) {
			delete(q.s.st.quotations, id)
			n++
		}
	}
	return n, nil
}

func (q *queries) InsertOutboxEntry(ctx context.Context, e models.OutboxEntry) (models.OutboxEntry, error) {
	defer q.lock()()
	q.s.st.outboxSeq++
	e.ID = q.s.st.outboxSeq
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = e.CreatedAt
	q.s.st.outbox[e.ID] = cloneOutboxEntry(e)
	return e, nil
}

func (q *queries) ClaimDueOutbox(ctx context.Context, now time.Time, limit int32) ([]models.OutboxEntry, error) {
	defer q.lock()()
	var due []models.OutboxEntry
	for _, e := range q.s.st.outbox {
		if e.Status == domain.OutboxStatusPending && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && int32(len(due)) > limit {
		due = due[:limit]
	}
	out := make([]models.OutboxEntry, 0, len(due))
	for _, e := range due {
		claimedAt := now
		e.Status = domain.OutboxStatusInFlight
		e.ClaimedAt = &claimedAt
		e.UpdatedAt = now
		q.s.st.outbox[e.ID] = cloneOutboxEntry(e)
		out = append(out, cloneOutboxEntry(e))
	}
	return out, nil
}

func (q *queries) MarkOutboxSuccess(ctx context.Context, id int64, at time.Time) (int64, error) {
	return q.setOutboxStatus(id, domain.OutboxStatusSuccess, "", false, at)
}

func (q *queries) MarkOutboxFailed(ctx context.Context, id int64, lastError string, at time.Time) (int64, error) {
	return q.setOutboxStatus(id, domain.OutboxStatusFailed, lastError, false, at)
}

func (q *queries) MarkOutboxExhausted(ctx context.Context, id int64, lastError string, at time.Time) (int64, error) {
	return q.setOutboxStatus(id, domain.OutboxStatusRetryExhausted, lastError, false, at)
}

func (q *queries) setOutboxStatus(id int64, status, lastError string, timeoutFault bool, at time.Time) (int64, error) {
	defer q.lock()()
	e, ok := q.s.st.outbox[id]
	if !ok {
		return 0, nil
	}
	e.Status = status
	e.LastError = lastError
	e.TimeoutFault = timeoutFault
	e.ClaimedAt = nil
	e.UpdatedAt = at
	q.s.st.outbox[id] = e
	return 1, nil
}

func (q *queries) RescheduleOutbox(ctx context.Context, id int64, attempts int32, dueAt time.Time, lastError string, timeoutFault bool) (int64, error) {
	defer q.lock()()
	e, ok := q.s.st.outbox[id]
	if !ok {
		return 0, nil
	}
	e.Status = domain.OutboxStatusPending
	e.Attempts = attempts
	e.NextAttemptAt = dueAt
	e.LastError = lastError
	e.TimeoutFault = timeoutFault
	e.ClaimedAt = nil
	e.UpdatedAt = time.Now().UTC()
	q.s.st.outbox[id] = e
	return 1, nil
}

func (q *queries) RequeueStaleOutbox(ctx context.Context, cutoff time.Time, limit int32) (int64, error) {
	defer q.lock()()
	var n int64
	for id, e := range q.s.st.outbox {
		if e.Status != domain.OutboxStatusInFlight || e.ClaimedAt == nil || e.ClaimedAt.After(cutoff) {
			continue
		}
		e.Status = domain.OutboxStatusPending
		e.ClaimedAt = nil
		e.UpdatedAt = time.Now().UTC()
		q.s.st.outbox[id] = e
		n++
		if limit > 0 && n >= int64(limit) {
			break
		}
	}
	return n, nil
}

func (q *queries) GetOutboxEntryByTransfer(ctx context.Context, transferID int64) (models.OutboxEntry, error) {
	defer q.lock()()
	for _, e := range q.s.st.outbox {
		if e.TransferID == transferID {
			return cloneOutboxEntry(e), nil
		}
	}
	return models.OutboxEntry{}, storage.ErrNoRows
}

func (q *queries) InsertAudit(ctx context.Context, rec models.AuditRecord) error {
	defer q.lock()()
	q.s.st.auditSeq++
	rec.ID = q.s.st.auditSeq
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	q.s.st.audit = append(q.s.st.audit, rec)
	return nil
}

// clone helpers keep returned values detached from stored state.

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneService(s models.Service) models.Service {
	s.AllowedCurrencies = append([]string(nil), s.AllowedCurrencies...)
	s.ParameterDefaults = cloneStringMap(s.ParameterDefaults)
	return s
}

func cloneTransfer(t models.Transfer) models.Transfer {
	t.Parameters = cloneStringMap(t.Parameters)
	t.ProviderFields = cloneStringMap(t.ProviderFields)
	if t.QuotationID != nil {
		id := *t.QuotationID
		t.QuotationID = &id
	}
	if t.ProviderRef != nil {
		ref := *t.ProviderRef
		t.ProviderRef = &ref
	}
	if t.ProviderError != nil {
		msg := *t.ProviderError
		t.ProviderError = &msg
	}
	if t.ConfirmedAt != nil {
		at := *t.ConfirmedAt
		t.ConfirmedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return t
}

func cloneQuotation(q models.Quotation) models.Quotation {
	q.Parameters = cloneStringMap(q.Parameters)
	if q.ConsumedAt != nil {
		at := *q.ConsumedAt
		q.ConsumedAt = &at
	}
	return q
}

func cloneOutboxEntry(e models.OutboxEntry) models.OutboxEntry {
	e.Request.Parameters = cloneStringMap(e.Request.Parameters)
	e.Request.ProviderParams = cloneStringMap(e.Request.ProviderParams)
	if e.ClaimedAt != nil {
		at := *e.ClaimedAt
		e.ClaimedAt = &at
	}
	return e
}

func (st state) clone() state {
	out := state{
		agents:         make(map[uuid.UUID]models.Agent, len(st.agents)),
		terminals:      make(map[uuid.UUID]models.Terminal, len(st.terminals)),
		services:       make(map[uuid.UUID]models.Service, len(st.services)),
		accountDefs:    make(map[string]models.AccountDefinition, len(st.accountDefs)),
		accountDefSeq:  st.accountDefSeq,
		fxRates:        make(map[int64]models.FxRate, len(st.fxRates)),
		fxSeq:          st.fxSeq,
		transfers:      make(map[int64]models.Transfer, len(st.transfers)),
		transferSeq:    st.transferSeq,
		transfersByKey: make(map[string]int64, len(st.transfersByKey)),
		quotations:     make(map[string]models.Quotation, len(st.quotations)),
		outbox:         make(map[int64]models.OutboxEntry, len(st.outbox)),
		outboxSeq:      st.outboxSeq,
		audit:          append([]models.AuditRecord(nil), st.audit...),
		auditSeq:       st.auditSeq,
	}
	for k, v := range st.agents {
		out.agents[k] = v
	}
	for k, v := range st.terminals {
		out.terminals[k] = v
	}
	for k, v := range st.services {
		out.services[k] = cloneService(v)
	}
	for k, v := range st.accountDefs {
		out.accountDefs[k] = v
	}
	for k, v := range st.fxRates {
		out.fxRates[k] = v
	}
	for k, v := range st.transfers {
		out.transfers[k] = cloneTransfer(v)
	}
	for k, v := range st.transfersByKey {
		out.transfersByKey[k] = v
	}
	for k, v := range st.quotations {
		out.quotations[k] = cloneQuotation(v)
	}
	for k, v := range st.outbox {
		out.outbox[k] = cloneOutboxEntry(v)
	}
	return out
}
