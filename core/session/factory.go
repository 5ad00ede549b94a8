// Package session binds one inbound request to a bounded-lifetime
// transactional execution context and runs its statement under cooperative
// termination checkpoints.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/vantadb/vantadb/core/execution"
	"github.com/vantadb/vantadb/core/identity"
	"github.com/vantadb/vantadb/core/txregistry"
	"go.uber.org/zap"
)

// --- Error Definitions ---

var (
	// ErrInvalidTimeout rejects a malformed or negative requested timeout
	// before any transaction is begun.
	ErrInvalidTimeout = errors.New("invalid max execution time, expected a non-negative number of milliseconds")
	// ErrStaleEntityRef rejects an entity reference resolved under a different
	// transaction than the one that produced it.
	ErrStaleEntityRef = errors.New("entity reference does not belong to the current transaction")
)

// Meta carries the request-scoped execution hints the transport layer
// extracted for us. MaxExecutionTime is the raw header value in milliseconds;
// empty means unspecified.
type Meta struct {
	MaxExecutionTime string
}

// Factory translates inbound requests into bound transactional execution
// contexts. One factory serves the whole process.
type Factory struct {
	engine         execution.Engine
	registry       *txregistry.Registry
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// NewFactory creates a session factory. defaultTimeout is the system-wide
// execution budget applied when a request does not specify its own.
func NewFactory(engine execution.Engine, registry *txregistry.Registry, defaultTimeout time.Duration, logger *zap.Logger) *Factory {
	return &Factory{
		engine:         engine,
		registry:       registry,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// CreateSession resolves the requested timeout, begins an implicit engine
// transaction with Full data access (statement-level permission was resolved
// upstream on the identity), and registers the handle before returning. The
// timeout is enforced by flagging termination through the registry at expiry:
// the exact state machine administrator-triggered termination uses, driven by
// a clock instead of a call.
func (f *Factory) CreateSession(ctx context.Context, subject identity.Subject, text string, parameters map[string]any, meta Meta) (*Session, error) {
	timeout, err := f.resolveTimeout(meta)
	if err != nil {
		return nil, err
	}

	ref, err := f.engine.BeginTransaction(ctx, execution.Implicit, identity.Full, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	h, err := f.registry.Register(subject.Identity, execution.Implicit, ref)
	if err != nil {
		if rbErr := ref.Rollback(); rbErr != nil {
			f.logger.Warn("rollback after failed registration", zap.Error(rbErr))
		}
		return nil, err
	}

	s := &Session{
		id:       uuid.NewString(),
		subject:  subject,
		text:     text,
		params:   parameters,
		handle:   h,
		registry: f.registry,
		engine:   f.engine,
		logger:   f.logger,
	}
	s.timer = time.AfterFunc(timeout, func() {
		f.registry.RequestTimeout(h)
	})

	f.logger.Debug("session created",
		zap.String("sessionID", s.id),
		zap.Uint64("txID", h.ID()),
		zap.String("owner", subject.Identity.Name()),
		zap.Duration("timeout", timeout),
	)
	return s, nil
}

// resolveTimeout turns the raw request value into an execution budget.
// Unspecified or zero means the system default; anything malformed or negative
// fails before a transaction exists.
func (f *Factory) resolveTimeout(meta Meta) (time.Duration, error) {
	if meta.MaxExecutionTime == "" {
		return f.defaultTimeout, nil
	}
	millis, err := strconv.ParseInt(meta.MaxExecutionTime, 10, 64)
	if err != nil || millis < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeout, meta.MaxExecutionTime)
	}
	if millis == 0 {
		return f.defaultTimeout, nil
	}
	return time.Duration(millis) * time.Millisecond, nil
}
