package gateway

import (
	"context"
	"sync"

	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/models"
)

// StubStep is one scripted outcome for the stub gateway.
type StubStep struct {
	Result models.ProviderResult
	Err    error
}

// Stub is a scriptable in-memory gateway for tests and local development.
// Each Send consumes the next scripted step; past the script it answers
// SUCCESS with a synthetic reference.
type Stub struct {
	name string

	mu       sync.Mutex
	script   []StubStep
	status   *StubStep
	requests []models.ProviderRequest
}

func NewStub(name string, script ...StubStep) *Stub {
	return &Stub{name: name, script: script}
}

func (s *Stub) Name() string { return s.name }

// ScriptStatus sets the answer QueryStatus gives.
func (s *Stub) ScriptStatus(step StubStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &step
}

func (s *Stub) Send(ctx context.Context, req models.ProviderRequest) (models.ProviderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.script) > 0 {
		step := s.script[0]
		s.script = s.script[1:]
		return step.Result, step.Err
	}
	return models.ProviderResult{Status: domain.OutboxStatusSuccess, ProviderRef: "STUB-REF"}, nil
}

func (s *Stub) QueryStatus(ctx context.Context, req models.ProviderRequest) (models.ProviderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != nil {
		return s.status.Result, s.status.Err
	}
	return models.ProviderResult{Status: domain.OutboxStatusPending}, nil
}

// Requests returns a copy of every request Send has seen.
func (s *Stub) Requests() []models.ProviderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ProviderRequest, len(s.requests))
	copy(out, s.requests)
	return out
}
