package txregistry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vantadb/vantadb/core/execution"
	"github.com/vantadb/vantadb/core/identity"
	"go.uber.org/zap"
)

// stubRef satisfies execution.TransactionRef and records terminate calls.
type stubRef struct {
	id         uint64
	terminated atomic.Int32
}

func (r *stubRef) ID() uint64      { return r.id }
func (r *stubRef) Terminate()      { r.terminated.Add(1) }
func (r *stubRef) Commit() error   { return nil }
func (r *stubRef) Rollback() error { return nil }

func setupRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(0, zap.NewNop(), nil)
}

func register(t *testing.T, r *Registry, owner string) *Handle {
	t.Helper()
	h, err := r.Register(identity.NewIdentity(owner), execution.Implicit, &stubRef{})
	require.NoError(t, err)
	return h
}

func TestRegisterAssignsMonotonicIDs(t *testing.T) {
	r := setupRegistry(t)
	h1 := register(t, r, "alice")
	h2 := register(t, r, "alice")
	require.Greater(t, h2.ID(), h1.ID())
}

func TestConcurrentRegistrationAndListCounts(t *testing.T) {
	r := setupRegistry(t)
	const perUser = 20
	users := []string{"alice", "bob", "carol"}

	var wg sync.WaitGroup
	for _, user := range users {
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				register(t, r, owner)
			}(user)
		}
	}
	wg.Wait()

	require.Equal(t, len(users)*perUser, r.Count())

	admin := identity.NewIdentity("admin")
	snapshots := r.List(admin, identity.Full)
	require.Len(t, snapshots, len(users)*perUser)

	counts := make(map[string]int)
	for _, s := range snapshots {
		counts[s.Owner.Name()]++
	}
	for _, user := range users {
		require.Equal(t, perUser, counts[user])
	}
}

func TestListRestrictedSeesOwnOnly(t *testing.T) {
	r := setupRegistry(t)
	register(t, r, "alice")
	register(t, r, "alice")
	register(t, r, "bob")

	snapshots := r.List(identity.NewIdentity("alice"), identity.Restricted)
	require.Len(t, snapshots, 2)
	for _, s := range snapshots {
		require.Equal(t, "alice", s.Owner.Name())
	}
}

func TestAttachQueryVisibleImmediately(t *testing.T) {
	r := setupRegistry(t)
	h := register(t, r, "alice")

	qid := r.AttachQuery(h, "MATCH Test", map[string]any{"k": "v"})
	require.NotZero(t, qid)

	snapshots := r.List(identity.NewIdentity("admin"), identity.Full)
	require.Len(t, snapshots, 1)
	require.NotNil(t, snapshots[0].Query)
	require.Equal(t, qid, snapshots[0].Query.QueryID)
	require.Equal(t, "MATCH Test", snapshots[0].Query.Text)
	require.Equal(t, "v", snapshots[0].Query.Parameters["k"])
}

func TestQueryIDsAreMonotonic(t *testing.T) {
	r := setupRegistry(t)
	h1 := register(t, r, "alice")
	h2 := register(t, r, "bob")

	q1 := r.AttachQuery(h1, "UNWIND 1", nil)
	q2 := r.AttachQuery(h2, "UNWIND 2", nil)
	require.Greater(t, q2, q1)
}

func TestSnapshotParametersAreCopies(t *testing.T) {
	r := setupRegistry(t)
	h := register(t, r, "alice")

	params := map[string]any{"k": "v"}
	r.AttachQuery(h, "MATCH Test", params)
	params["k"] = "mutated"

	snap := r.List(identity.NewIdentity("alice"), identity.Restricted)[0]
	require.Equal(t, "v", snap.Query.Parameters["k"])

	snap.Query.Parameters["k"] = "mutated-again"
	again := r.List(identity.NewIdentity("alice"), identity.Restricted)[0]
	require.Equal(t, "v", again.Query.Parameters["k"])
}

func TestDetachQueryClearsRegardlessOfTermination(t *testing.T) {
	r := setupRegistry(t)
	h := register(t, r, "alice")
	r.AttachQuery(h, "UNWIND 10", nil)

	require.Equal(t, 1, r.RequestTermination(identity.NewIdentity("alice"), identity.NewIdentity("admin"), identity.Full, NoCallerTransaction))
	r.DetachQuery(h)

	snap := r.List(identity.NewIdentity("admin"), identity.Full)[0]
	require.Nil(t, snap.Query)
	require.Equal(t, CancelRequested, snap.CancelState)
}

func TestRequestTerminationFlagsAllOwnedHandles(t *testing.T) {
	r := setupRegistry(t)
	ref1 := &stubRef{}
	ref2 := &stubRef{}
	h1, err := r.Register(identity.NewIdentity("alice"), execution.Explicit, ref1)
	require.NoError(t, err)
	h2, err := r.Register(identity.NewIdentity("alice"), execution.Explicit, ref2)
	require.NoError(t, err)
	bob := register(t, r, "bob")

	count := r.RequestTermination(identity.NewIdentity("alice"), identity.NewIdentity("admin"), identity.Full, NoCallerTransaction)
	require.Equal(t, 2, count)
	require.Equal(t, CancelRequested, h1.CancelState())
	require.Equal(t, CancelRequested, h2.CancelState())
	require.Equal(t, CancelNone, bob.CancelState())
	require.Equal(t, int32(1), ref1.terminated.Load())
	require.Equal(t, int32(1), ref2.terminated.Load())
}

func TestRequestTerminationIsIdempotent(t *testing.T) {
	r := setupRegistry(t)
	register(t, r, "alice")

	admin := identity.NewIdentity("admin")
	require.Equal(t, 1, r.RequestTermination(identity.NewIdentity("alice"), admin, identity.Full, NoCallerTransaction))
	require.Equal(t, 0, r.RequestTermination(identity.NewIdentity("alice"), admin, identity.Full, NoCallerTransaction))
}

func TestRequestTerminationSkipsCallingTransaction(t *testing.T) {
	r := setupRegistry(t)
	own := register(t, r, "alice")
	other := register(t, r, "alice")

	count := r.RequestTermination(identity.NewIdentity("alice"), identity.NewIdentity("alice"), identity.Full, own.ID())
	require.Equal(t, 1, count)
	require.Equal(t, CancelNone, own.CancelState())
	require.Equal(t, CancelRequested, other.CancelState())
}

func TestRequestTerminationRestrictedCannotReachOthers(t *testing.T) {
	r := setupRegistry(t)
	bob := register(t, r, "bob")

	count := r.RequestTermination(identity.NewIdentity("bob"), identity.NewIdentity("alice"), identity.Restricted, NoCallerTransaction)
	require.Equal(t, 0, count)
	require.Equal(t, CancelNone, bob.CancelState())
}

func TestAcknowledgeTerminationTransitions(t *testing.T) {
	r := setupRegistry(t)
	h := register(t, r, "alice")

	// Acknowledging without a request is a no-op.
	require.False(t, h.AcknowledgeTermination())

	r.RequestTermination(identity.NewIdentity("alice"), identity.NewIdentity("admin"), identity.Full, NoCallerTransaction)
	require.True(t, h.AcknowledgeTermination())
	require.False(t, h.AcknowledgeTermination())
	require.Equal(t, CancelAcknowledged, h.CancelState())
}

func TestRemoveIsExactlyOnce(t *testing.T) {
	r := setupRegistry(t)
	h := register(t, r, "alice")
	register(t, r, "bob")

	r.Remove(h)
	r.Remove(h)
	require.Equal(t, 1, r.Count())
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(1, zap.NewNop(), nil)
	register(t, r, "alice")

	_, err := r.Register(identity.NewIdentity("bob"), execution.Implicit, &stubRef{})
	require.ErrorIs(t, err, ErrRegistryExhausted)
}

func TestDrainWaitsForEmpty(t *testing.T) {
	r := setupRegistry(t)
	h := register(t, r, "alice")

	done := make(chan error, 1)
	go func() {
		done <- r.Drain(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("drain returned while a handle was still live")
	case <-time.After(50 * time.Millisecond):
	}

	r.Remove(h)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not observe the empty registry")
	}
}

func TestDrainHonorsContext(t *testing.T) {
	r := setupRegistry(t)
	register(t, r, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Drain(ctx), context.DeadlineExceeded)
}

func TestTimeoutUsesSameStateMachine(t *testing.T) {
	r := setupRegistry(t)
	ref := &stubRef{}
	h, err := r.Register(identity.NewIdentity("alice"), execution.Implicit, ref)
	require.NoError(t, err)

	require.True(t, r.RequestTimeout(h))
	require.Equal(t, CancelRequested, h.CancelState())
	require.Equal(t, int32(1), ref.terminated.Load())

	// A second expiry, or an admin request racing the clock, does not double
	// flag.
	require.False(t, r.RequestTimeout(h))
	require.Equal(t, 0, r.RequestTermination(identity.NewIdentity("alice"), identity.NewIdentity("admin"), identity.Full, NoCallerTransaction))
}
