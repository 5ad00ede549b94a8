// Package txregistry owns the process-wide set of live transactions. It is the
// only component that may create, enumerate, flag for termination, or remove a
// transaction handle; everything else holds references and comes through here.
package txregistry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vantadb/vantadb/core/execution"
	"github.com/vantadb/vantadb/core/identity"
	internaltelemetry "github.com/vantadb/vantadb/internal/telemetry"
	"go.uber.org/zap"
)

// --- Error Definitions ---

var (
	// ErrRegistryExhausted is fatal to the request that hit it: the registry
	// cannot allocate another handle.
	ErrRegistryExhausted = errors.New("transaction registry exhausted, cannot begin new transactions")
	// ErrTransactionTerminated carries the fixed, matchable message surfaced to
	// the owner of a terminated transaction.
	ErrTransactionTerminated = errors.New("Explicitly terminated by the user.")
)

// NoCallerTransaction is passed as exceptID when the termination request does
// not itself run inside a registered transaction.
const NoCallerTransaction uint64 = 0

// Registry is the process-wide concurrent map of live transaction handles.
// All operations are fast and never block on application-level work: a slow
// query's I/O can never delay an enumeration or a termination request.
type Registry struct {
	mu       sync.RWMutex
	handles  map[uint64]*Handle
	waiters  []chan struct{}
	capacity int

	nextTxID    atomic.Uint64
	nextQueryID atomic.Uint64

	logger  *zap.Logger
	metrics *internaltelemetry.RegistryMetrics
}

// NewRegistry creates a registry. capacity bounds the number of live handles;
// zero means unbounded. metrics may be nil when telemetry is disabled.
func NewRegistry(capacity int, logger *zap.Logger, metrics *internaltelemetry.RegistryMetrics) *Registry {
	return &Registry{
		handles:  make(map[uint64]*Handle),
		capacity: capacity,
		logger:   logger,
		metrics:  metrics,
	}
}

// Register allocates a new handle for owner, inserts it atomically, and
// returns it. The only failure mode is resource exhaustion.
func (r *Registry) Register(owner identity.Identity, kind execution.Kind, ref execution.TransactionRef) (*Handle, error) {
	h := &Handle{
		id:        r.nextTxID.Add(1),
		owner:     owner,
		kind:      kind,
		startedAt: time.Now(),
		ref:       ref,
	}

	r.mu.Lock()
	if r.capacity > 0 && len(r.handles) >= r.capacity {
		r.mu.Unlock()
		return nil, ErrRegistryExhausted
	}
	r.handles[h.id] = h
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveTransactionsUpDownCounter.Add(context.Background(), 1)
	}
	r.logger.Debug("transaction registered",
		zap.Uint64("txID", h.id),
		zap.String("owner", owner.Name()),
		zap.String("kind", kind.String()),
	)
	return h, nil
}

// AttachQuery records the statement now executing on the handle and returns a
// process-unique, monotonically increasing query id. The entry is visible to
// concurrent enumerations the instant this returns and stays attached until
// DetachQuery, however slowly the result streams.
func (r *Registry) AttachQuery(h *Handle, text string, parameters map[string]any) uint64 {
	qid := r.nextQueryID.Add(1)
	params := make(map[string]any, len(parameters))
	for k, v := range parameters {
		params[k] = v
	}

	h.mu.Lock()
	h.query = &activeQuery{
		queryID:    qid,
		text:       text,
		parameters: params,
		startedAt:  time.Now(),
	}
	h.mu.Unlock()

	if r.metrics != nil {
		r.metrics.QueriesStartedCounter.Add(context.Background(), 1)
	}
	return qid
}

// DetachQuery clears the handle's active query once its result is fully
// consumed or closed, regardless of termination state.
func (r *Registry) DetachQuery(h *Handle) {
	h.mu.Lock()
	h.query = nil
	h.mu.Unlock()
}

// List returns one snapshot per live handle visible to the caller: every
// handle under Full mode, the caller's own under Restricted. The set is
// weakly consistent across entries, but each entry reflects a state its
// handle actually held during the call.
func (r *Registry) List(caller identity.Identity, mode identity.AccessMode) []Snapshot {
	r.mu.RLock()
	live := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		live = append(live, h)
	}
	r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(live))
	for _, h := range live {
		if mode != identity.Full && h.owner.Name() != caller.Name() {
			continue
		}
		snapshots = append(snapshots, h.snapshot())
	}
	return snapshots
}

// Get returns the live handle with the given id.
func (r *Registry) Get(txID uint64) (*Handle, bool) {
	r.mu.RLock()
	h, ok := r.handles[txID]
	r.mu.RUnlock()
	return h, ok
}

// Count returns the number of live handles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// RequestTermination flags every live handle owned by target for cooperative
// termination, except the transaction the call itself runs in (exceptID).
// Restricted callers can only reach their own handles. Already-flagged handles
// are not double counted; the return value is the number newly flagged.
//
// Flagging also fires the engine's terminate primitive so a transaction
// blocked inside the engine (lock wait, I/O) wakes up and reaches its next
// checkpoint. The user-visible error is still raised by the owning thread.
func (r *Registry) RequestTermination(target, caller identity.Identity, mode identity.AccessMode, exceptID uint64) int {
	if mode != identity.Full && target.Name() != caller.Name() {
		return 0
	}

	r.mu.RLock()
	candidates := make([]*Handle, 0)
	for _, h := range r.handles {
		if h.id == exceptID || h.owner.Name() != target.Name() {
			continue
		}
		candidates = append(candidates, h)
	}
	r.mu.RUnlock()

	count := 0
	for _, h := range candidates {
		if !h.markTerminationRequested() {
			continue
		}
		count++
		if h.ref != nil {
			h.ref.Terminate()
		}
		r.logger.Info("transaction termination requested",
			zap.Uint64("txID", h.id),
			zap.String("owner", h.owner.Name()),
			zap.String("requestedBy", caller.Name()),
		)
	}

	if count > 0 && r.metrics != nil {
		r.metrics.TerminationsRequestedCounter.Add(context.Background(), int64(count))
	}
	return count
}

// RequestTimeout flags a single handle whose execution budget expired. It is
// the same state machine as RequestTermination, triggered by a clock instead
// of a call.
func (r *Registry) RequestTimeout(h *Handle) bool {
	r.mu.RLock()
	_, live := r.handles[h.id]
	r.mu.RUnlock()
	if !live {
		return false
	}
	if !h.markTerminationRequested() {
		return false
	}
	if h.ref != nil {
		h.ref.Terminate()
	}
	if r.metrics != nil {
		r.metrics.TerminationsRequestedCounter.Add(context.Background(), 1)
	}
	r.logger.Info("transaction timed out", zap.Uint64("txID", h.id), zap.String("owner", h.owner.Name()))
	return true
}

// Remove deletes the handle from the registry. Only the owning execution
// thread calls this, exactly once, after the transaction's locks and cursors
// are fully released. A duplicate call is a no-op.
func (r *Registry) Remove(h *Handle) {
	if !h.removed.CompareAndSwap(false, true) {
		return
	}

	r.mu.Lock()
	delete(r.handles, h.id)
	empty := len(r.handles) == 0
	var waiters []chan struct{}
	if empty {
		waiters = r.waiters
		r.waiters = nil
	}
	r.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if r.metrics != nil {
		r.metrics.ActiveTransactionsUpDownCounter.Add(context.Background(), -1)
	}
	r.logger.Debug("transaction removed", zap.Uint64("txID", h.id), zap.String("owner", h.owner.Name()))
}

// Drain blocks until the registry is empty or the context expires. Used for
// graceful shutdown after the server stops accepting work.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	if len(r.handles) == 0 {
		r.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	r.waiters = append(r.waiters, w)
	r.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
