package router

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub002/internal/pipeline"
	"github.com/Jasonzhangf/routecodex-sub002/internal/ratelimit"
)

// Pool picks pipelines from the configured route pools in round-robin
// order, skipping entries under a live cooldown. When every candidate is
// cooling, the one whose cooldown expires soonest is returned anyway so a
// request never fails solely because of local accounting.
type Pool struct {
	mu     sync.Mutex
	routes map[string][]string
	next   map[string]int

	manager *pipeline.Manager
	limits  *ratelimit.State
}

// NewPool builds the scheduler over the route pools.
func NewPool(routes map[string][]string, manager *pipeline.Manager, limits *ratelimit.State) *Pool {
	return &Pool{
		routes:  routes,
		next:    make(map[string]int),
		manager: manager,
		limits:  limits,
	}
}

// Update replaces the route pools on configuration reload. Round-robin
// positions reset.
func (p *Pool) Update(routes map[string][]string) {
	p.mu.Lock()
	p.routes = routes
	p.next = make(map[string]int)
	p.mu.Unlock()
}

// Select returns the next pipeline for a route. A non-empty pinnedVendor
// (from the x-rc-provider header) restricts candidates to that vendor.
func (p *Pool) Select(route, pinnedVendor string) (*pipeline.Pipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool, ok := p.routes[route]
	if !ok || len(pool) == 0 {
		if route != DefaultRoute {
			pool, ok = p.routes[DefaultRoute]
		}
		if !ok || len(pool) == 0 {
			return nil, fmt.Errorf("no pipelines configured for route %q", route)
		}
		route = DefaultRoute
	}

	start := p.next[route]
	var fallback *pipeline.Pipeline
	var fallbackUntil time.Time
	sawVendor := false

	for i := 0; i < len(pool); i++ {
		idx := (start + i) % len(pool)
		pl := p.manager.Pipeline(pool[idx])
		if pl == nil {
			continue
		}
		if pinnedVendor != "" && pl.Vendor != pinnedVendor {
			continue
		}
		sawVendor = true

		if until, cooling := p.cooling(pl); cooling {
			if fallback == nil || until.Before(fallbackUntil) {
				fallback = pl
				fallbackUntil = until
			}
			continue
		}

		p.next[route] = (idx + 1) % len(pool)
		return pl, nil
	}

	if pinnedVendor != "" && !sawVendor {
		return nil, fmt.Errorf("route %q has no pipeline for provider %q", route, pinnedVendor)
	}
	if fallback != nil {
		log.Debugf("route %s: all candidates cooling, using %s (free at %s)",
			route, fallback.ID, fallbackUntil.Format(time.RFC3339))
		return fallback, nil
	}
	return nil, fmt.Errorf("route %q has no usable pipeline", route)
}

// cooling reports whether the pipeline's bucket or model series is under a
// live cooldown, and until when.
func (p *Pool) cooling(pl *pipeline.Pipeline) (time.Time, bool) {
	if p.limits == nil {
		return time.Time{}, false
	}
	bucket := ratelimit.BucketKey(pl.ProviderKey, pl.ProviderKey, pl.Model)
	if until, ok := p.limits.CoolingUntil(bucket); ok {
		return until, true
	}
	if ratelimit.IsGeminiCLIFamily(pl.ProviderKey) && p.limits.SeriesCooling(pl.Model) {
		return time.Now().Add(time.Minute), true
	}
	return time.Time{}, false
}
