package discovery

import (
	"context"
	"sync"
)

// Locker serializes work on a named resource.
type Locker interface {
	Lock(ctx context.Context, name string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker with one channel-based mutex per name.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]chan struct{})}
}

func (k *KeyedMutex) slot(name string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, ok := k.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[name] = ch
	}
	return ch
}

// Lock blocks until name is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, name string) (func(), error) {
	ch := k.slot(name)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
