package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vantadb/vantadb/core/identity"
	"go.uber.org/zap"
)

// --- Error Definitions ---

var (
	ErrTerminated        = errors.New("transaction terminated")
	ErrTransactionClosed = errors.New("transaction is already closed")
	ErrUnknownStatement  = errors.New("unknown statement")
	ErrEntityNotFound    = errors.New("entity not found")
)

// InMemoryEngine is a deliberately small graph engine backing the governance
// core: labelled nodes with properties, label-level write locks held until
// commit, and a statement surface just large enough to exercise transactions
// that create, stream, and block.
//
// Statements:
//
//	CREATE <label> <name>   create one node, taking the label write lock
//	MATCH <label>           stream all nodes with the label
//	UNWIND <n>              stream the integers 1..n
type InMemoryEngine struct {
	mu       sync.Mutex
	cond     *sync.Cond
	nodes    map[uint64]*Entity
	locks    map[string]uint64 // label -> owning transaction id
	nextID   atomic.Uint64
	nextTxID atomic.Uint64
	logger   *zap.Logger
}

// NewInMemoryEngine creates an empty in-memory engine.
func NewInMemoryEngine(logger *zap.Logger) *InMemoryEngine {
	e := &InMemoryEngine{
		nodes:  make(map[uint64]*Entity),
		locks:  make(map[string]uint64),
		logger: logger,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

type inmemTx struct {
	id         uint64
	engine     *InMemoryEngine
	kind       Kind
	mode       identity.AccessMode
	deadline   time.Time
	terminated atomic.Bool
	closed     atomic.Bool
	mu         sync.Mutex
	locksHeld  map[string]struct{}
	created    []uint64
}

// BeginTransaction opens a transaction of the given kind. The timeout is a
// budget hint; enforcement is the governance core's job.
func (e *InMemoryEngine) BeginTransaction(ctx context.Context, kind Kind, mode identity.AccessMode, timeout time.Duration) (TransactionRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := &inmemTx{
		id:        e.nextTxID.Add(1),
		engine:    e,
		kind:      kind,
		mode:      mode,
		deadline:  time.Now().Add(timeout),
		locksHeld: make(map[string]struct{}),
	}
	e.logger.Debug("engine transaction begun",
		zap.Uint64("txID", tx.id),
		zap.String("kind", kind.String()),
		zap.Duration("timeout", timeout),
	)
	return tx, nil
}

// Execute runs one statement inside the transaction.
func (e *InMemoryEngine) Execute(ctx context.Context, ref TransactionRef, text string, params map[string]any) (Cursor, error) {
	tx, err := e.ownTx(ref)
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty statement", ErrUnknownStatement)
	}

	switch strings.ToUpper(fields[0]) {
	case "CALL":
		// Procedure invocations are executed by the governance layer; the
		// engine's part is only to host the call's transaction.
		return &inmemCursor{tx: tx}, nil
	case "CREATE":
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: CREATE wants a label and a name", ErrUnknownStatement)
		}
		return e.executeCreate(tx, fields[1], fields[2])
	case "MATCH":
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: MATCH wants a label", ErrUnknownStatement)
		}
		return e.executeMatch(tx, fields[1])
	case "UNWIND":
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: UNWIND wants a row count", ErrUnknownStatement)
		}
		n, perr := strconv.Atoi(fields[1])
		if perr != nil || n < 0 {
			return nil, fmt.Errorf("%w: UNWIND wants a non-negative integer", ErrUnknownStatement)
		}
		return e.executeUnwind(tx, n)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatement, fields[0])
	}
}

func (e *InMemoryEngine) executeCreate(tx *inmemTx, label, name string) (Cursor, error) {
	if err := e.acquireLabelLock(tx, label); err != nil {
		return nil, err
	}
	node := &Entity{
		ID:         e.nextID.Add(1),
		Label:      label,
		Properties: map[string]any{"name": name},
	}
	e.mu.Lock()
	e.nodes[node.ID] = node
	e.mu.Unlock()

	tx.mu.Lock()
	tx.created = append(tx.created, node.ID)
	tx.mu.Unlock()

	return &inmemCursor{tx: tx, rows: []map[string]any{{"created": node.ID}}}, nil
}

func (e *InMemoryEngine) executeMatch(tx *inmemTx, label string) (Cursor, error) {
	e.mu.Lock()
	rows := make([]map[string]any, 0)
	for _, node := range e.nodes {
		if node.Label == label {
			rows = append(rows, map[string]any{"id": node.ID, "name": node.Properties["name"]})
		}
	}
	e.mu.Unlock()
	return &inmemCursor{tx: tx, rows: rows}, nil
}

func (e *InMemoryEngine) executeUnwind(tx *inmemTx, n int) (Cursor, error) {
	rows := make([]map[string]any, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, map[string]any{"x": i})
	}
	return &inmemCursor{tx: tx, rows: rows}, nil
}

// ResolveEntity re-reads an entity under the transaction, taking its label
// lock so concurrent writers cannot move it underneath the caller.
func (e *InMemoryEngine) ResolveEntity(ctx context.Context, ref TransactionRef, entityID uint64) (*Entity, error) {
	tx, err := e.ownTx(ref)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	node, ok := e.nodes[entityID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: entity %d", ErrEntityNotFound, entityID)
	}
	if err := e.acquireLabelLock(tx, node.Label); err != nil {
		return nil, err
	}

	// Hand back a copy so callers never hold a pointer into engine storage.
	props := make(map[string]any, len(node.Properties))
	for k, v := range node.Properties {
		props[k] = v
	}
	return &Entity{ID: node.ID, Label: node.Label, Properties: props}, nil
}

// acquireLabelLock blocks until the label's write lock is free or the
// transaction is terminated. Terminate broadcasts, so blocked acquirers
// observe termination without polling.
func (e *InMemoryEngine) acquireLabelLock(tx *inmemTx, label string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if tx.terminated.Load() {
			return ErrTerminated
		}
		owner, held := e.locks[label]
		if !held || owner == tx.id {
			e.locks[label] = tx.id
			tx.mu.Lock()
			tx.locksHeld[label] = struct{}{}
			tx.mu.Unlock()
			return nil
		}
		e.cond.Wait()
	}
}

func (e *InMemoryEngine) releaseLocks(tx *inmemTx) {
	e.mu.Lock()
	tx.mu.Lock()
	for label := range tx.locksHeld {
		if e.locks[label] == tx.id {
			delete(e.locks, label)
		}
	}
	tx.locksHeld = make(map[string]struct{})
	tx.mu.Unlock()
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *InMemoryEngine) ownTx(ref TransactionRef) (*inmemTx, error) {
	tx, ok := ref.(*inmemTx)
	if !ok || tx.engine != e {
		return nil, errors.New("transaction ref does not belong to this engine")
	}
	if tx.closed.Load() {
		return nil, ErrTransactionClosed
	}
	if tx.terminated.Load() {
		return nil, ErrTerminated
	}
	return tx, nil
}

// ID returns the engine-side transaction id.
func (tx *inmemTx) ID() uint64 { return tx.id }

// Terminate marks the transaction terminated and wakes any blocked lock
// acquisition. Idempotent.
func (tx *inmemTx) Terminate() {
	if !tx.terminated.CompareAndSwap(false, true) {
		return
	}
	tx.engine.mu.Lock()
	tx.engine.cond.Broadcast()
	tx.engine.mu.Unlock()
	tx.engine.logger.Debug("engine transaction terminated", zap.Uint64("txID", tx.id))
}

// Commit makes the transaction's writes visible and releases its locks.
func (tx *inmemTx) Commit() error {
	if !tx.closed.CompareAndSwap(false, true) {
		return ErrTransactionClosed
	}
	defer tx.engine.releaseLocks(tx)
	if tx.terminated.Load() {
		tx.rollbackCreated()
		return ErrTerminated
	}
	return nil
}

// Rollback undoes the transaction's writes and releases its locks.
func (tx *inmemTx) Rollback() error {
	if !tx.closed.CompareAndSwap(false, true) {
		return ErrTransactionClosed
	}
	tx.rollbackCreated()
	tx.engine.releaseLocks(tx)
	return nil
}

func (tx *inmemTx) rollbackCreated() {
	tx.engine.mu.Lock()
	tx.mu.Lock()
	for _, id := range tx.created {
		delete(tx.engine.nodes, id)
	}
	tx.created = nil
	tx.mu.Unlock()
	tx.engine.mu.Unlock()
}

// inmemCursor yields pre-materialized rows, re-checking termination at every
// step so a terminated transaction stops streaming immediately.
type inmemCursor struct {
	tx     *inmemTx
	rows   []map[string]any
	pos    int
	curr   map[string]any
	err    error
	closed bool
}

func (c *inmemCursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.tx.terminated.Load() {
		c.err = ErrTerminated
		return false
	}
	if c.pos >= len(c.rows) {
		return false
	}
	c.curr = c.rows[c.pos]
	c.pos++
	return true
}

func (c *inmemCursor) Row() map[string]any { return c.curr }

func (c *inmemCursor) Err() error { return c.err }

func (c *inmemCursor) Close() error {
	c.closed = true
	return nil
}
