package hashroute

import (
	"sync"

	"gatewaylog/internal/domain"
)

// Route pins a session to a partition and remembers when it was first seen.
type Route struct {
	Key         domain.SessionKey
	Partition   int
	FirstSeenMs int64
	LastSeenMs  int64
}

type Router struct {
	partitions int

	mu     sync.RWMutex
	routes map[domain.SessionKey]Route
}

func NewRouter(partitions int) *Router {
	if partitions < 1 {
		partitions = 1
	}
	return &Router{partitions: partitions, routes: make(map[domain.SessionKey]Route)}
}

func (r *Router) Partitions() int { return r.partitions }

// EnsureRoute returns the pinned route for key, creating it on first use.
func (r *Router) EnsureRoute(key domain.SessionKey, nowMs int64) Route {
	r.mu.RLock()
	route, ok := r.routes[key]
	r.mu.RUnlock()
	if ok && route.LastSeenMs >= nowMs {
		return route
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if route, ok := r.routes[key]; ok {
		if nowMs > route.LastSeenMs {
			route.LastSeenMs = nowMs
			r.routes[key] = route
		}
		return route
	}
	created := Route{
		Key:         key,
		Partition:   PartitionFor(key, r.partitions),
		FirstSeenMs: nowMs,
		LastSeenMs:  nowMs,
	}
	r.routes[key] = created
	return created
}

func (r *Router) GetRoute(key domain.SessionKey) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[key]
	return route, ok
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
