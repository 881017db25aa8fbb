package archive

import "gatewaylog/internal/domain"

// sessionArena maps session keys to slots in a backing slice. Lookup and insert
// are separate steps; an arena has a single writer.
type sessionArena[T any] struct {
	index map[domain.SessionKey]int
	items []*T
}

func newSessionArena[T any]() sessionArena[T] {
	return sessionArena[T]{index: make(map[domain.SessionKey]int)}
}

func (a *sessionArena[T]) lookup(key domain.SessionKey) (*T, bool) {
	i, ok := a.index[key]
	if !ok {
		return nil, false
	}
	return a.items[i], true
}

// insert stores v under key, which must not already be present.
func (a *sessionArena[T]) insert(key domain.SessionKey, v *T) *T {
	a.index[key] = len(a.items)
	a.items = append(a.items, v)
	return v
}

func (a *sessionArena[T]) each(fn func(*T)) {
	for _, v := range a.items {
		fn(v)
	}
}

func (a *sessionArena[T]) len() int { return len(a.items) }
