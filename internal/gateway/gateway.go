// Package gateway holds the provider-facing side of settlement: the call
// contract, an HTTP transport with pluggable authentication, and a registry
// keyed by provider code.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/sendbridge/remitd/internal/models"
)

// Gateway delivers one settlement request to an external provider.
type Gateway interface {
	Name() string
	Send(ctx context.Context, req models.ProviderRequest) (models.ProviderResult, error)
}

// StatusQuerier is implemented by gateways whose provider can be asked about
// a request after the fact. The dispatcher uses it to resolve attempts that
// ended in an ambiguous timeout, since the provider may have settled the
// transfer even though no response arrived.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, req models.ProviderRequest) (models.ProviderResult, error)
}

// IsTimeout reports whether err describes an attempt with an unknown outcome:
// the request may or may not have reached the provider.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Registry resolves a provider code to its configured gateway. It is built
// once at boot and read-only afterwards.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[strings.ToLower(g.Name())] = g
	}
	return r
}

func (r *Registry) Get(providerCode string) (Gateway, error) {
	g, ok := r.gateways[strings.ToLower(providerCode)]
	if !ok {
		return nil, fmt.Errorf("no gateway configured for provider %q", providerCode)
	}
	return g, nil
}

// Names returns the configured provider codes, sorted, for diagnostics.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
