package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vantadb/vantadb/core/execution"
	"github.com/vantadb/vantadb/core/identity"
	"github.com/vantadb/vantadb/core/txregistry"
	"go.uber.org/zap"
)

// Session pairs one request's statement with its transaction handle. Lifecycle
// is exactly one request: Execute streams the result, Finish releases the
// transaction's resources and removes the handle, and nothing survives past
// the response.
type Session struct {
	id      string
	subject identity.Subject
	text    string
	params  map[string]any

	handle   *txregistry.Handle
	registry *txregistry.Registry
	engine   execution.Engine
	logger   *zap.Logger

	timer      *time.Timer
	locker     Locker
	attached   bool
	finishOnce sync.Once
}

// ID returns the request-scoped session id.
func (s *Session) ID() string { return s.id }

// TxID returns the registry id of the session's transaction.
func (s *Session) TxID() uint64 { return s.handle.ID() }

// Subject returns the principal the session runs as.
func (s *Session) Subject() identity.Subject { return s.subject }

// Execute runs the session's statement and returns its row stream. The
// statement is attached to the handle before any row is produced, so an
// enumeration started after Execute returns is guaranteed to see it.
func (s *Session) Execute(ctx context.Context) (*Rows, error) {
	// Checkpoint: before beginning statement work.
	if err := s.checkpoint(); err != nil {
		return nil, err
	}

	s.registry.AttachQuery(s.handle, s.text, s.params)
	s.attached = true

	cursor, err := s.engine.Execute(ctx, s.handle.Ref(), s.text, s.params)
	if err != nil {
		s.detach()
		if errors.Is(err, execution.ErrTerminated) {
			return nil, s.raiseTerminated()
		}
		return nil, err
	}
	return &Rows{session: s, cursor: cursor}, nil
}

// checkpoint observes the cancellation flag. On a requested termination it
// transitions the flag to acknowledged, fires the engine terminate primitive,
// and raises the fixed termination error. It never swallows the flag.
func (s *Session) checkpoint() error {
	if !s.handle.TerminationRequested() {
		return nil
	}
	return s.raiseTerminated()
}

func (s *Session) raiseTerminated() error {
	if s.handle.AcknowledgeTermination() {
		s.handle.Ref().Terminate()
		s.logger.Debug("termination acknowledged",
			zap.String("sessionID", s.id),
			zap.Uint64("txID", s.handle.ID()),
		)
	}
	return txregistry.ErrTransactionTerminated
}

func (s *Session) detach() {
	if s.attached {
		s.registry.DetachQuery(s.handle)
		s.attached = false
	}
}

// Finish releases the session's transaction exactly once: the active query is
// detached, the timeout timer stopped, the engine transaction committed (or
// rolled back when execErr is non-nil), and only then is the handle removed
// from the registry. Every path through a request ends here, so no failure
// leaves a handle orphaned.
func (s *Session) Finish(execErr error) error {
	var closeErr error
	s.finishOnce.Do(func() {
		s.detach()
		s.timer.Stop()

		ref := s.handle.Ref()
		if execErr != nil {
			if err := ref.Rollback(); err != nil && !errors.Is(err, execution.ErrTransactionClosed) {
				s.logger.Warn("rollback failed", zap.String("sessionID", s.id), zap.Error(err))
			}
		} else {
			if err := ref.Commit(); err != nil {
				if errors.Is(err, execution.ErrTerminated) {
					closeErr = s.raiseTerminated()
				} else {
					closeErr = err
				}
			}
		}

		s.registry.Remove(s.handle)
	})
	return closeErr
}

// Rows streams a statement's result. Every step is a cooperative checkpoint:
// a termination requested while the consumer is slow is observed on the next
// step, however long the stream stays open.
type Rows struct {
	session *Session
	cursor  execution.Cursor
	current map[string]any
	err     error
	closed  bool
}

// Next advances the stream. It returns false at the end of the result or on
// error; Err distinguishes the two.
func (r *Rows) Next() bool {
	if r.closed || r.err != nil {
		return false
	}
	// Checkpoint: at each step of result iteration.
	if err := r.session.checkpoint(); err != nil {
		r.err = err
		return false
	}
	if !r.cursor.Next() {
		if err := r.cursor.Err(); err != nil {
			if errors.Is(err, execution.ErrTerminated) {
				r.err = r.session.raiseTerminated()
			} else {
				r.err = err
			}
		}
		return false
	}
	r.current = r.cursor.Row()
	return true
}

// Row returns the current row.
func (r *Rows) Row() map[string]any { return r.current }

// Err returns the error that stopped the stream, if any.
func (r *Rows) Err() error { return r.err }

// Close releases the cursor and detaches the query from the handle. The query
// stops being enumerable the moment this returns, regardless of termination
// state.
func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.cursor.Close()
	r.session.detach()
	return err
}
