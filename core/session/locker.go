package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/vantadb/vantadb/core/execution"
)

// EntityRef tags an entity with the transaction that produced it. Entities
// never cross transaction boundaries by raw identity alone: code outside the
// owning thread re-resolves the pair against the current transaction before
// touching it.
type EntityRef struct {
	TxID     uint64
	EntityID uint64
}

// EntityRef tags an entity id with this session's transaction.
func (s *Session) EntityRef(entityID uint64) EntityRef {
	return EntityRef{TxID: s.handle.ID(), EntityID: entityID}
}

// Locker serializes cross-thread entity access for one session. Resolution
// happens under the session's live transaction, re-acquiring engine locks, so
// request/response plumbing never dereferences transaction-local storage from
// the wrong thread.
type Locker struct {
	mu sync.Mutex
}

// Locker returns the session's locking helper.
func (s *Session) Locker() *Locker { return &s.locker }

// Resolve re-resolves ref under the session's transaction. A ref minted by a
// different transaction fails with ErrStaleEntityRef; a terminated transaction
// surfaces the usual termination error via the checkpoint.
func (l *Locker) Resolve(ctx context.Context, s *Session, ref EntityRef) (*execution.Entity, error) {
	if ref.TxID != s.handle.ID() {
		return nil, fmt.Errorf("%w: ref tx %d, current tx %d", ErrStaleEntityRef, ref.TxID, s.handle.ID())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Checkpoint: before a blocking wait we control (engine lock acquisition).
	if err := s.checkpoint(); err != nil {
		return nil, err
	}
	return s.engine.ResolveEntity(ctx, s.handle.Ref(), ref.EntityID)
}
