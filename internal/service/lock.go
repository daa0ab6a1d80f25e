package service

import (
	"context"
	"errors"
	"fieldsync/pkg/logger"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// EntryLocker guards a single outbox entry so the scheduler and a manual
// retry never submit it at the same time. TryLock never blocks: ok=false
// means someone else holds the entry.
type EntryLocker interface {
	TryLock(ctx context.Context, id string) (unlock func(), ok bool, err error)
}

// LocalLocker serializes entries within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, id string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return nil, false, nil
	}
	l.held[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, id)
			l.mu.Unlock()
		})
	}, true, nil
}

// Held reports whether id is currently locked.
func (l *LocalLocker) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[id]
	return ok
}

// EtcdLocker extends LocalLocker across agents that share one store. The
// session lease releases locks of a crashed agent after the TTL.
type EtcdLocker struct {
	local   *LocalLocker
	session *concurrency.Session
	prefix  string
}

func NewEtcdLocker(client *clientv3.Client, ttlSeconds int, prefix string) (*EtcdLocker, error) {
	if ttlSeconds <= 0 {
		ttlSeconds = 10
	}
	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttlSeconds))
	if err != nil {
		return nil, err
	}
	return &EtcdLocker{
		local:   NewLocalLocker(),
		session: session,
		prefix:  prefix,
	}, nil
}

func (l *EtcdLocker) TryLock(ctx context.Context, id string) (func(), bool, error) {
	unlockLocal, ok, _ := l.local.TryLock(ctx, id)
	if !ok {
		return nil, false, nil
	}

	mutex := concurrency.NewMutex(l.session, l.prefix+id)
	if err := mutex.TryLock(ctx); err != nil {
		unlockLocal()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return func() {
		if err := mutex.Unlock(context.Background()); err != nil {
			logger.Warn("failed to release entry lock", zap.String("entry_id", id), zap.Error(err))
		}
		unlockLocal()
	}, true, nil
}

func (l *EtcdLocker) Close() error {
	return l.session.Close()
}
