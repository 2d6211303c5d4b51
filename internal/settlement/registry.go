package settlement

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/core/retry"
)

// Registry is the closed set of backends, resolved once at startup.
type Registry struct {
	backends map[domain.Currency]Backend
	policies map[domain.Currency]retry.Policy
}

func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[domain.Currency]Backend),
		policies: make(map[domain.Currency]retry.Policy),
	}
}

// Register adds a backend with its retry budget. Registering the same
// currency twice is an error.
func (r *Registry) Register(b Backend, policy retry.Policy) error {
	c := b.Currency()
	if _, ok := r.backends[c]; ok {
		return fmt.Errorf("backend for %s already registered", c)
	}
	r.backends[c] = b
	r.policies[c] = policy.WithDefaults()
	return nil
}

// Resolve returns the backend for currency or ErrUnsupportedCurrency.
func (r *Registry) Resolve(c domain.Currency) (Backend, error) {
	b, ok := r.backends[c]
	if !ok {
		return nil, ErrUnsupportedCurrency
	}
	return b, nil
}

// Policy returns the retry budget registered for currency.
func (r *Registry) Policy(c domain.Currency) retry.Policy {
	if p, ok := r.policies[c]; ok {
		return p
	}
	return retry.DefaultPolicy
}

// Supports reports whether currency has a backend.
func (r *Registry) Supports(c domain.Currency) bool {
	_, ok := r.backends[c]
	return ok
}

// Currencies lists registered currencies in sorted order.
func (r *Registry) Currencies() []domain.Currency {
	out := make([]domain.Currency, 0, len(r.backends))
	for c := range r.backends {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close closes every backend that holds resources.
func (r *Registry) Close() error {
	var errs []error
	for _, b := range r.backends {
		if c, ok := b.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
