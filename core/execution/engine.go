// Package execution defines the contract between the transaction governance
// core and the engine that actually runs statements. The governance core never
// touches storage directly; it begins transactions, executes statements, and
// terminates engine work exclusively through these interfaces.
package execution

import (
	"context"
	"time"

	"github.com/vantadb/vantadb/core/identity"
)

// Kind distinguishes client-managed transaction boundaries from transactions
// begun and ended within a single request.
type Kind int

const (
	// Explicit transactions are opened and closed by the client, potentially
	// spanning several statements.
	Explicit Kind = iota
	// Implicit transactions wrap exactly one request's execution.
	Implicit
)

func (k Kind) String() string {
	if k == Explicit {
		return "explicit"
	}
	return "implicit"
}

// Entity is a graph element produced by statement execution. Entities are
// transaction-scoped: an Entity must never be used outside the transaction
// that produced it without re-resolution (see core/session.Locker).
type Entity struct {
	ID         uint64
	Label      string
	Properties map[string]any
}

// Cursor streams the rows of one executing statement. Next/Row/Err follow the
// usual iterator protocol; Close releases the statement's resources and is
// safe to call more than once.
type Cursor interface {
	Next() bool
	Row() map[string]any
	Err() error
	Close() error
}

// TransactionRef is the engine-side handle for one transaction. Terminate is
// the primitive the governance core invokes when termination has been
// requested: it must wake any engine-internal blocking wait (lock acquisition,
// I/O) the transaction is parked on. It is idempotent.
type TransactionRef interface {
	ID() uint64
	Terminate()
	Commit() error
	Rollback() error
}

// Engine is the query-execution collaborator consumed by the governance core.
type Engine interface {
	// BeginTransaction opens a transaction of the given kind with the given
	// data access mode and timeout budget.
	BeginTransaction(ctx context.Context, kind Kind, mode identity.AccessMode, timeout time.Duration) (TransactionRef, error)
	// Execute runs a statement inside an open transaction and returns a cursor
	// over its rows.
	Execute(ctx context.Context, ref TransactionRef, text string, params map[string]any) (Cursor, error)
	// ResolveEntity re-resolves an entity id under the given transaction,
	// re-acquiring whatever locks the engine requires. It fails if the entity
	// no longer exists or the transaction is terminated.
	ResolveEntity(ctx context.Context, ref TransactionRef, entityID uint64) (*Entity, error)
}
