// Package rules provides per-sub-account risk parameters to the liquidation
// engine, with a fallback to cached or built-in defaults when the upstream
// provider cannot be reached. Grounded on the ClientRiskProfile shape in
// backend/risk/types.go, trimmed to the fields the engine actually consumes.
package rules

import (
	"context"
	"sync"

	"github.com/quantedge/liqengine/domain"
)

// Provider is the external collaborator interface (spec.md §6): fetching
// rules is async and may fail, in which case the engine falls back to the
// entry's cached rules or, absent those, domain.DefaultRules().
type Provider interface {
	GetRules(ctx context.Context, subAccountID string) (domain.Rules, error)
}

// StaticProvider serves a fixed, in-memory set of per-account overrides. It
// is the reference implementation used by the demo binary and by tests; a
// production deployment would instead query a risk-parameters service the
// way ClientRiskProfile is sourced in the teacher.
type StaticProvider struct {
	mu       sync.RWMutex
	defaults domain.Rules
	perAcct  map[string]domain.Rules
}

func NewStaticProvider(defaults domain.Rules) *StaticProvider {
	return &StaticProvider{
		defaults: defaults,
		perAcct:  make(map[string]domain.Rules),
	}
}

// SetRules installs an override for one sub-account.
func (p *StaticProvider) SetRules(subAccountID string, r domain.Rules) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.perAcct[subAccountID] = r
}

func (p *StaticProvider) GetRules(_ context.Context, subAccountID string) (domain.Rules, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if r, ok := p.perAcct[subAccountID]; ok {
		return r, nil
	}
	return p.defaults, nil
}

// Resolve implements the fallback policy from spec.md §7: try the provider,
// fall back to the entry's last-known-good rules, and finally to built-in
// defaults. usedCached reports whether the fallback path was taken, so the
// caller can emit rules_fallback.
func Resolve(ctx context.Context, provider Provider, subAccountID string, cached domain.Rules, hasCached bool) (r domain.Rules, usedCached bool) {
	if provider != nil {
		if fresh, err := provider.GetRules(ctx, subAccountID); err == nil {
			return fresh, false
		}
	}
	if hasCached {
		return cached, true
	}
	return domain.DefaultRules(), true
}
