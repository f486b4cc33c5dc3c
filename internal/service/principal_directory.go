package service

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/GoPolymarket/batchgate/internal/config"
	"github.com/GoPolymarket/batchgate/internal/model"
	"golang.org/x/time/rate"
)

var ErrNoPrincipal = errors.New("no authenticated principal")

// PrincipalDirectory resolves API keys to principals and owns the
// per-principal request limiters used by the HTTP layer.
type PrincipalDirectory struct {
	mu         sync.RWMutex
	principals map[string]*model.Principal // key: API key
	limiters   map[string]*rate.Limiter    // key: principal ID
	qps        float64
	burst      int
	repo       PrincipalRepo
}

type PrincipalRepo interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Principal, error)
}

func NewPrincipalDirectory(cfg *config.Config, repo PrincipalRepo) *PrincipalDirectory {
	d := &PrincipalDirectory{
		principals: make(map[string]*model.Principal),
		limiters:   make(map[string]*rate.Limiter),
		qps:        cfg.Limits.QPS,
		burst:      cfg.Limits.Burst,
		repo:       repo,
	}
	for _, pc := range cfg.Principals {
		d.Register(&model.Principal{
			ID:     pc.ID,
			Name:   pc.Name,
			Role:   strings.ToLower(strings.TrimSpace(pc.Role)),
			APIKey: pc.APIKey,
		})
	}
	return d
}

func (d *PrincipalDirectory) Register(p *model.Principal) {
	if p == nil || p.APIKey == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.principals[p.APIKey] = p

	// zero QPS means no burst guard
	limit := rate.Limit(d.qps)
	if limit == 0 {
		limit = rate.Inf
	}
	burst := d.burst
	if burst == 0 {
		burst = 1
	}
	if _, ok := d.limiters[p.ID]; !ok {
		d.limiters[p.ID] = rate.NewLimiter(limit, burst)
	}
}

func (d *PrincipalDirectory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, p := range d.principals {
		if p.ID == id {
			delete(d.principals, key)
		}
	}
	delete(d.limiters, id)
}

// Lookup returns the principal for apiKey, consulting the repository on a
// cache miss. The returned value is a copy.
func (d *PrincipalDirectory) Lookup(ctx context.Context, apiKey string) (model.Principal, bool) {
	if apiKey == "" {
		return model.Principal{}, false
	}
	d.mu.RLock()
	p, ok := d.principals[apiKey]
	d.mu.RUnlock()
	if ok {
		return *p, true
	}
	if d.repo == nil {
		return model.Principal{}, false
	}
	p, err := d.repo.GetByAPIKey(ctx, apiKey)
	if err != nil || p == nil {
		return model.Principal{}, false
	}
	d.Register(p)
	return *p, true
}

func (d *PrincipalDirectory) LimiterFor(principalID string) *rate.Limiter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.limiters[principalID]
}

func (d *PrincipalDirectory) List() []model.Principal {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Principal, 0, len(d.principals))
	for _, p := range d.principals {
		out = append(out, *p)
	}
	return out
}

// CurrentPrincipal returns the principal the auth layer attached to ctx.
func (d *PrincipalDirectory) CurrentPrincipal(ctx context.Context) (model.Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return model.Principal{}, ErrNoPrincipal
	}
	return p, nil
}

type principalCtxKey struct{}

func ContextWithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (model.Principal, bool) {
	if ctx == nil {
		return model.Principal{}, false
	}
	p, ok := ctx.Value(principalCtxKey{}).(model.Principal)
	return p, ok
}
