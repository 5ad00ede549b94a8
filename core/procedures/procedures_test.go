package procedures

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vantadb/vantadb/core/execution"
	"github.com/vantadb/vantadb/core/identity"
	"github.com/vantadb/vantadb/core/session"
	"github.com/vantadb/vantadb/core/txregistry"
	"go.uber.org/zap"
)

// --- Stub engine for streaming scenarios ---

type stubRef struct {
	id         uint64
	terminated atomic.Bool
}

func (r *stubRef) ID() uint64 { return r.id }
func (r *stubRef) Terminate() { r.terminated.Store(true) }
func (r *stubRef) Commit() error {
	if r.terminated.Load() {
		return execution.ErrTerminated
	}
	return nil
}
func (r *stubRef) Rollback() error { return nil }

type stubCursor struct {
	rows <-chan map[string]any
	ref  *stubRef
	curr map[string]any
	err  error
}

func (c *stubCursor) Next() bool {
	if c.ref.terminated.Load() {
		c.err = execution.ErrTerminated
		return false
	}
	row, ok := <-c.rows
	if !ok {
		return false
	}
	c.curr = row
	return true
}

func (c *stubCursor) Row() map[string]any { return c.curr }
func (c *stubCursor) Err() error          { return c.err }
func (c *stubCursor) Close() error        { return nil }

type stubEngine struct {
	nextID atomic.Uint64
	mu     sync.Mutex
	rows   map[string]chan map[string]any // statement text -> row source
}

func newStubEngine() *stubEngine {
	return &stubEngine{rows: make(map[string]chan map[string]any)}
}

// streamFor registers a channel-fed row source for a statement.
func (e *stubEngine) streamFor(text string) chan map[string]any {
	ch := make(chan map[string]any, 64)
	e.mu.Lock()
	e.rows[text] = ch
	e.mu.Unlock()
	return ch
}

func (e *stubEngine) BeginTransaction(ctx context.Context, kind execution.Kind, mode identity.AccessMode, timeout time.Duration) (execution.TransactionRef, error) {
	return &stubRef{id: e.nextID.Add(1)}, nil
}

func (e *stubEngine) Execute(ctx context.Context, ref execution.TransactionRef, text string, params map[string]any) (execution.Cursor, error) {
	e.mu.Lock()
	rows, ok := e.rows[text]
	e.mu.Unlock()
	if !ok {
		closed := make(chan map[string]any)
		close(closed)
		rows = closed
	}
	return &stubCursor{rows: rows, ref: ref.(*stubRef)}, nil
}

func (e *stubEngine) ResolveEntity(ctx context.Context, ref execution.TransactionRef, entityID uint64) (*execution.Entity, error) {
	return nil, execution.ErrEntityNotFound
}

// --- Fixture ---

type fixture struct {
	registry   *txregistry.Registry
	principals *identity.PrincipalStore
	engine     *stubEngine
	factory    *session.Factory
	procs      *Procedures
}

func setup(t *testing.T, users ...string) *fixture {
	t.Helper()
	registry := txregistry.NewRegistry(0, zap.NewNop(), nil)
	principals := identity.NewPrincipalStore()
	for _, u := range users {
		principals.Add(identity.NewIdentity(u))
	}
	engine := newStubEngine()
	return &fixture{
		registry:   registry,
		principals: principals,
		engine:     engine,
		factory:    session.NewFactory(engine, registry, time.Minute, zap.NewNop()),
		procs:      New(registry, principals, zap.NewNop(), nil),
	}
}

func admin(name string) identity.Subject {
	return identity.Subject{Identity: identity.NewIdentity(name), Mode: identity.Full}
}

func restricted(name string) identity.Subject {
	return identity.Subject{Identity: identity.NewIdentity(name), Mode: identity.Restricted}
}

// beginHandle registers a bare transaction for owner, as if a worker thread
// had parked mid-statement.
func (f *fixture) beginHandle(t *testing.T, owner string) *txregistry.Handle {
	t.Helper()
	h, err := f.registry.Register(identity.NewIdentity(owner), execution.Explicit, &stubRef{})
	require.NoError(t, err)
	return h
}

func rowsAsMap(rows []TransactionStatusRow) map[string]string {
	m := make(map[string]string, len(rows))
	for _, r := range rows {
		m[r.Username] = r.ActiveTransactions
	}
	return m
}

// --- List transactions ---

func TestListTransactionsCountsSum(t *testing.T) {
	f := setup(t, "adminSubject", "writeSubject")
	f.beginHandle(t, "writeSubject")
	f.beginHandle(t, "writeSubject")
	own := f.beginHandle(t, "adminSubject")

	rows, err := f.procs.ListTransactions(context.Background(), admin("adminSubject"), own.ID())
	require.NoError(t, err)
	require.Equal(t, map[string]string{"adminSubject": "1", "writeSubject": "2"}, rowsAsMap(rows))

	require.Len(t, f.registry.List(identity.NewIdentity("adminSubject"), identity.Full), 3)
}

func TestListTransactionsRestrictedSeesOwnOnly(t *testing.T) {
	f := setup(t, "readSubject", "writeSubject")
	f.beginHandle(t, "writeSubject")
	own := f.beginHandle(t, "readSubject")

	rows, err := f.procs.ListTransactions(context.Background(), restricted("readSubject"), own.ID())
	require.NoError(t, err)
	require.Equal(t, map[string]string{"readSubject": "1"}, rowsAsMap(rows))
}

func TestListTransactionsIncludesParkedTransactions(t *testing.T) {
	f := setup(t, "adminSubject", "writeSubject")

	// A transaction blocked on application logic makes no progress, but it is
	// registered, so it must be visible.
	blocked := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h := f.beginHandle(t, "writeSubject")
		<-blocked
		f.registry.Remove(h)
	}()

	require.Eventually(t, func() bool {
		rows, err := f.procs.ListTransactions(context.Background(), admin("adminSubject"), txregistry.NoCallerTransaction)
		if err != nil {
			return false
		}
		return rowsAsMap(rows)["writeSubject"] == "1"
	}, 2*time.Second, 10*time.Millisecond)

	close(blocked)
	wg.Wait()
}

// --- List queries ---

func TestListQueriesShowsSlowStreamingQueryForItsWholeInterval(t *testing.T) {
	f := setup(t, "adminSubject", "writeSubject")
	stream := f.engine.streamFor("MATCH Slow")

	s, err := f.factory.CreateSession(context.Background(), restricted("writeSubject"), "MATCH Slow", nil, session.Meta{})
	require.NoError(t, err)

	rows, err := s.Execute(context.Background())
	require.NoError(t, err)

	// Consume one row at a fixed interval while the listing runs.
	consumed := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for rows.Next() {
			consumed <- struct{}{}
		}
		close(consumed)
	}()

	for i := 0; i < 5; i++ {
		stream <- map[string]any{"row": i}
		<-consumed

		listed, err := f.procs.ListQueries(context.Background(), admin("adminSubject"), txregistry.NoCallerTransaction)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		require.Equal(t, "MATCH Slow", listed[0].Query)
		require.Equal(t, "writeSubject", listed[0].Username)
		require.NotZero(t, listed[0].QueryID)
		require.NotNil(t, listed[0].Parameters)
	}

	close(stream)
	wg.Wait()
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())

	// Closed means gone, immediately.
	listed, err := f.procs.ListQueries(context.Background(), admin("adminSubject"), txregistry.NoCallerTransaction)
	require.NoError(t, err)
	require.Empty(t, listed)

	require.NoError(t, s.Finish(nil))
}

func TestListQueriesSetEqualityAcrossUsers(t *testing.T) {
	f := setup(t, "adminSubject", "readSubject")
	start := time.Now().Add(-time.Second)

	h1 := f.beginHandle(t, "readSubject")
	f.registry.AttachQuery(h1, "UNWIND 3", nil)
	h2 := f.beginHandle(t, "readSubject")
	f.registry.AttachQuery(h2, "UNWIND 6", nil)
	own := f.beginHandle(t, "adminSubject")
	f.registry.AttachQuery(own, "CALL dbms.listQueries()", nil)

	listed, err := f.procs.ListQueries(context.Background(), admin("adminSubject"), own.ID())
	require.NoError(t, err)

	// Order is unspecified: compare as a set keyed by query text.
	byText := make(map[string]QueryStatusRow, len(listed))
	for _, row := range listed {
		byText[row.Query] = row
	}
	require.Len(t, byText, 3)
	require.Equal(t, "readSubject", byText["UNWIND 3"].Username)
	require.Equal(t, "readSubject", byText["UNWIND 6"].Username)
	require.Equal(t, "adminSubject", byText["CALL dbms.listQueries()"].Username)

	for _, row := range listed {
		ts, err := queryStartTime(row)
		require.NoError(t, err)
		require.False(t, ts.Before(start))
		require.Equal(t, map[string]any{}, row.Parameters)
	}
}

func TestListQueriesRestrictedSeesOwnOnly(t *testing.T) {
	f := setup(t, "readSubject", "writeSubject")
	h1 := f.beginHandle(t, "readSubject")
	f.registry.AttachQuery(h1, "UNWIND 3", nil)
	h2 := f.beginHandle(t, "writeSubject")
	f.registry.AttachQuery(h2, "UNWIND 6", nil)

	listed, err := f.procs.ListQueries(context.Background(), restricted("readSubject"), txregistry.NoCallerTransaction)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "UNWIND 3", listed[0].Query)
}

// --- Terminate transactions for user ---

func TestTerminateTransactionsForUser(t *testing.T) {
	f := setup(t, "adminSubject", "writeSubject")
	f.beginHandle(t, "writeSubject")
	f.beginHandle(t, "writeSubject")
	untouched := f.beginHandle(t, "adminSubject")
	own := f.beginHandle(t, "adminSubject")

	row, err := f.procs.TerminateTransactionsForUser(context.Background(), admin("adminSubject"), own.ID(), "writeSubject")
	require.NoError(t, err)
	require.Equal(t, TerminationRow{Username: "writeSubject", TransactionsTerminated: "2"}, row)
	require.Equal(t, txregistry.CancelNone, untouched.CancelState())
}

func TestTerminateDoesNotTerminateItsOwnTransaction(t *testing.T) {
	f := setup(t, "adminSubject")
	own := f.beginHandle(t, "adminSubject")

	row, err := f.procs.TerminateTransactionsForUser(context.Background(), admin("adminSubject"), own.ID(), "adminSubject")
	require.NoError(t, err)
	require.Equal(t, "0", row.TransactionsTerminated)
	require.Equal(t, txregistry.CancelNone, own.CancelState())
}

func TestTerminateSelfTransactionsExceptTerminationTransaction(t *testing.T) {
	for _, mode := range []identity.Subject{admin("writeSubject"), restricted("writeSubject")} {
		f := setup(t, "writeSubject")
		other := f.beginHandle(t, "writeSubject")
		own := f.beginHandle(t, "writeSubject")

		row, err := f.procs.TerminateTransactionsForUser(context.Background(), mode, own.ID(), "writeSubject")
		require.NoError(t, err)
		require.Equal(t, "1", row.TransactionsTerminated)
		require.Equal(t, txregistry.CancelRequested, other.CancelState())
		require.Equal(t, txregistry.CancelNone, own.CancelState())
	}
}

func TestTerminateUnknownUser(t *testing.T) {
	f := setup(t, "adminSubject")

	_, err := f.procs.TerminateTransactionsForUser(context.Background(), admin("adminSubject"), txregistry.NoCallerTransaction, "Petra")
	require.EqualError(t, err, "User 'Petra' does not exist")

	_, err = f.procs.TerminateTransactionsForUser(context.Background(), admin("adminSubject"), txregistry.NoCallerTransaction, "")
	require.EqualError(t, err, "User '' does not exist")
}

func TestTerminateOtherUserAsRestrictedIsDenied(t *testing.T) {
	f := setup(t, "readSubject", "writeSubject")
	w := f.beginHandle(t, "writeSubject")

	_, err := f.procs.TerminateTransactionsForUser(context.Background(), restricted("readSubject"), txregistry.NoCallerTransaction, "writeSubject")
	require.ErrorIs(t, err, identity.ErrPermissionDenied)
	require.Equal(t, txregistry.CancelNone, w.CancelState())
}

func TestCredentialChangeRequiredBlocksAllProcedures(t *testing.T) {
	f := setup(t, "pwdSubject", "writeSubject")
	subject := admin("pwdSubject")
	subject.PasswordChangeRequired = true

	_, err := f.procs.ListTransactions(context.Background(), subject, txregistry.NoCallerTransaction)
	require.ErrorIs(t, err, identity.ErrCredentialChangeRequired)

	_, err = f.procs.ListQueries(context.Background(), subject, txregistry.NoCallerTransaction)
	require.ErrorIs(t, err, identity.ErrCredentialChangeRequired)

	_, err = f.procs.TerminateTransactionsForUser(context.Background(), subject, txregistry.NoCallerTransaction, "writeSubject")
	require.ErrorIs(t, err, identity.ErrCredentialChangeRequired)
}

// --- End-to-end termination scenario ---

func TestTerminatedTransactionsFailAndUntouchedOneCompletes(t *testing.T) {
	f := setup(t, "adminSubject", "userA", "userB")

	type result struct {
		err error
	}
	results := make(chan result, 3)
	started := make(chan struct{}, 3)

	runStream := func(owner, text string) (chan<- map[string]any, func()) {
		stream := f.engine.streamFor(text)
		var stop func()
		s, err := f.factory.CreateSession(context.Background(), restricted(owner), text, nil, session.Meta{})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, execErr := s.Execute(context.Background())
			if execErr != nil {
				results <- result{err: execErr}
				_ = s.Finish(execErr)
				return
			}
			started <- struct{}{}
			for rows.Next() {
			}
			streamErr := rows.Err()
			_ = rows.Close()
			_ = s.Finish(streamErr)
			results <- result{err: streamErr}
		}()
		stop = func() { wg.Wait() }
		return stream, stop
	}

	streamA1, stopA1 := runStream("userA", "MATCH A1")
	streamA2, stopA2 := runStream("userA", "MATCH A2")
	streamB, stopB := runStream("userB", "MATCH B")
	<-started
	<-started
	<-started

	own := f.beginHandle(t, "adminSubject")
	row, err := f.procs.TerminateTransactionsForUser(context.Background(), admin("adminSubject"), own.ID(), "userA")
	require.NoError(t, err)
	require.Equal(t, "2", row.TransactionsTerminated)

	// Wake userA's streams so the owning threads reach their next checkpoint.
	streamA1 <- map[string]any{}
	streamA2 <- map[string]any{}
	stopA1()
	stopA2()

	for i := 0; i < 2; i++ {
		r := <-results
		require.ErrorIs(t, r.err, txregistry.ErrTransactionTerminated)
		require.EqualError(t, r.err, "Explicitly terminated by the user.")
	}

	// userB's transaction was untouched and completes normally.
	close(streamB)
	stopB()
	r := <-results
	require.NoError(t, r.err)

	f.registry.Remove(own)
	require.Eventually(t, func() bool { return f.registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
