package txregistry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vantadb/vantadb/core/execution"
	"github.com/vantadb/vantadb/core/identity"
)

// CancelState is the tri-state termination flag carried by every handle.
//
// Valid transitions are:
//
//	CancelNone -> CancelRequested      (any thread, via the registry)
//	CancelRequested -> CancelAcknowledged  (owning thread, at a checkpoint)
//
// There is no way back; a handle that reached CancelAcknowledged unwinds and
// is removed.
type CancelState int32

const (
	CancelNone CancelState = iota
	CancelRequested
	CancelAcknowledged
)

func (s CancelState) String() string {
	switch s {
	case CancelRequested:
		return "requested"
	case CancelAcknowledged:
		return "acknowledged"
	default:
		return "none"
	}
}

// activeQuery records the statement currently executing inside a transaction.
type activeQuery struct {
	queryID    uint64
	text       string
	parameters map[string]any
	startedAt  time.Time
}

// Handle is the registry's record of one live unit of work. All shared fields
// are either atomic or guarded by mu, so a concurrent reader never observes a
// half-updated handle.
type Handle struct {
	id        uint64
	owner     identity.Identity
	kind      execution.Kind
	startedAt time.Time
	ref       execution.TransactionRef

	cancel  atomic.Int32
	removed atomic.Bool

	mu    sync.Mutex
	query *activeQuery
}

// ID returns the handle's registry id, unique and monotonic for the process
// lifetime.
func (h *Handle) ID() uint64 { return h.id }

// Owner returns the identity that began the transaction.
func (h *Handle) Owner() identity.Identity { return h.owner }

// Kind returns whether the transaction boundary is client-managed or
// request-scoped.
func (h *Handle) Kind() execution.Kind { return h.kind }

// StartedAt returns when the transaction was registered.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Ref returns the engine-side transaction reference.
func (h *Handle) Ref() execution.TransactionRef { return h.ref }

// CancelState reads the termination flag.
func (h *Handle) CancelState() CancelState {
	return CancelState(h.cancel.Load())
}

// TerminationRequested reports whether termination has been requested and not
// yet acknowledged.
func (h *Handle) TerminationRequested() bool {
	return h.CancelState() == CancelRequested
}

// markTerminationRequested flips none -> requested. Returns false when the
// handle was already flagged or acknowledged, so callers never double count.
func (h *Handle) markTerminationRequested() bool {
	return h.cancel.CompareAndSwap(int32(CancelNone), int32(CancelRequested))
}

// AcknowledgeTermination flips requested -> acknowledged. Only the owning
// execution thread calls this, at a cooperative checkpoint.
func (h *Handle) AcknowledgeTermination() bool {
	return h.cancel.CompareAndSwap(int32(CancelRequested), int32(CancelAcknowledged))
}

// QuerySnapshot is a point-in-time copy of a handle's active query.
type QuerySnapshot struct {
	QueryID    uint64
	Text       string
	Parameters map[string]any
	StartedAt  time.Time
}

// Snapshot is a point-in-time copy of a handle's shared state. It reflects a
// state the handle actually held at some instant during the call that
// produced it.
type Snapshot struct {
	TxID        uint64
	Owner       identity.Identity
	Kind        execution.Kind
	StartedAt   time.Time
	CancelState CancelState
	Query       *QuerySnapshot
}

// snapshot copies the handle's mutable state under its lock.
func (h *Handle) snapshot() Snapshot {
	s := Snapshot{
		TxID:        h.id,
		Owner:       h.owner,
		Kind:        h.kind,
		StartedAt:   h.startedAt,
		CancelState: h.CancelState(),
	}
	h.mu.Lock()
	if h.query != nil {
		params := make(map[string]any, len(h.query.parameters))
		for k, v := range h.query.parameters {
			params[k] = v
		}
		s.Query = &QuerySnapshot{
			QueryID:    h.query.queryID,
			Text:       h.query.text,
			Parameters: params,
			StartedAt:  h.query.startedAt,
		}
	}
	h.mu.Unlock()
	return s
}
