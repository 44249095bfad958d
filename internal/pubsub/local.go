package pubsub

import (
	"context"
	"sync"
)

// LocalBus is an in-process Bus for single-node deployments and tests: a
// Publish delivers synchronously to every Subscribe handler registered on
// the same subject, with no network involved.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string][]func([]byte)
}

// NewLocalBus returns a ready LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string][]func([]byte))}
}

// Publish delivers data to every locally-registered handler and reports
// exactly how many it reached, since a single process always knows its own
// subscriber count.
func (b *LocalBus) Publish(ctx context.Context, subject string, data []byte) (int, error) {
	b.mu.RLock()
	handlers := append([]func([]byte){}, b.handlers[subject]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(data)
	}
	return len(handlers), nil
}

func (b *LocalBus) Subscribe(ctx context.Context, subject string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	return nil
}

func (b *LocalBus) Close() error { return nil }
