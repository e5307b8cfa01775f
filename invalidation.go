package propauthz

import (
	"context"
	"errors"
	"sync"
)

// InvalidationKind names the cache key an event targets.
type InvalidationKind string

const (
	InvalidateUser         InvalidationKind = "user"
	InvalidateProfile      InvalidationKind = "profile"
	InvalidateOrganization InvalidationKind = "organization"
	InvalidateSuperAdmin   InvalidationKind = "super_admin"
	InvalidateAll          InvalidationKind = "all"
)

// InvalidationEvent tells every engine sharing the stores to drop a cached entry.
type InvalidationEvent struct {
	Kind   InvalidationKind `json:"kind"`
	ID     string           `json:"id,omitempty"`
	Source string           `json:"source,omitempty"`
}

type InvalidationSubscriber interface {
	OnInvalidation(ctx context.Context, ev InvalidationEvent) error
}

type InvalidationSubscriberFunc func(ctx context.Context, ev InvalidationEvent) error

func (f InvalidationSubscriberFunc) OnInvalidation(ctx context.Context, ev InvalidationEvent) error {
	return f(ctx, ev)
}

// InvalidationBus fans cache invalidations out to every engine instance.
type InvalidationBus interface {
	Publish(ctx context.Context, ev InvalidationEvent) error
	// Subscribe registers sub; the returned func removes it.
	Subscribe(sub InvalidationSubscriber) (func(), error)
}

// MemoryInvalidationBus delivers events synchronously within one process.
type MemoryInvalidationBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]InvalidationSubscriber
}

func NewMemoryInvalidationBus() *MemoryInvalidationBus {
	return &MemoryInvalidationBus{subs: make(map[int]InvalidationSubscriber)}
}

func (b *MemoryInvalidationBus) Publish(ctx context.Context, ev InvalidationEvent) error {
	b.mu.RLock()
	subs := make([]InvalidationSubscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.OnInvalidation(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *MemoryInvalidationBus) Subscribe(sub InvalidationSubscriber) (func(), error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}
