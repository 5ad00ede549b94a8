// Package procedures is the externally callable administrative surface over
// the transaction registry: list transactions, list queries, and terminate
// transactions for a named user, all under explicit access-mode enforcement.
package procedures

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/vantadb/vantadb/core/identity"
	"github.com/vantadb/vantadb/core/txregistry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// startTimeFormat renders query start times as ISO-8601 offset timestamps.
const startTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// TransactionStatusRow is one row of ListTransactions: a username and that
// user's live transaction count, rendered as a string.
type TransactionStatusRow struct {
	Username           string `json:"username"`
	ActiveTransactions string `json:"activeTransactions"`
}

// QueryStatusRow is one row of ListQueries. Row order across a result is
// unspecified.
type QueryStatusRow struct {
	QueryID    uint64         `json:"queryId"`
	Username   string         `json:"username"`
	Query      string         `json:"query"`
	Parameters map[string]any `json:"parameters"`
	StartTime  string         `json:"startTime"`
}

// TerminationRow is the single row returned by TerminateTransactionsForUser.
type TerminationRow struct {
	Username               string `json:"username"`
	TransactionsTerminated string `json:"transactionsTerminated"`
}

// Procedures exposes the permission-scoped administrative views over the
// registry. Every call takes the caller's subject and the id of the
// transaction the call itself runs in (txregistry.NoCallerTransaction when
// there is none).
type Procedures struct {
	registry   *txregistry.Registry
	principals *identity.PrincipalStore
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New creates the procedure surface. tracer may be nil when tracing is
// disabled.
func New(registry *txregistry.Registry, principals *identity.PrincipalStore, logger *zap.Logger, tracer trace.Tracer) *Procedures {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	return &Procedures{
		registry:   registry,
		principals: principals,
		logger:     logger,
		tracer:     tracer,
	}
}

// checkCredentials blocks every procedure for subjects flagged for a
// mandatory credential change, independent of otherwise-sufficient
// permissions.
func checkCredentials(subject identity.Subject) error {
	if subject.PasswordChangeRequired {
		return identity.ErrCredentialChangeRequired
	}
	return nil
}

// ListTransactions returns, grouped by owner display name, the count of each
// owner's live transactions. Transactions parked on application-level
// synchronization are counted like any other; visibility does not depend on
// progress. Restricted callers see only their own row.
func (p *Procedures) ListTransactions(ctx context.Context, subject identity.Subject, callerTxID uint64) ([]TransactionStatusRow, error) {
	_, span := p.tracer.Start(ctx, "procedures.ListTransactions")
	defer span.End()

	if err := checkCredentials(subject); err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, snap := range p.registry.List(subject.Identity, subject.Mode) {
		counts[snap.Owner.Name()]++
	}

	rows := make([]TransactionStatusRow, 0, len(counts))
	for name, n := range counts {
		rows = append(rows, TransactionStatusRow{
			Username:           name,
			ActiveTransactions: strconv.Itoa(n),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Username < rows[j].Username })

	span.SetAttributes(attribute.Int("rows", len(rows)))
	return rows, nil
}

// ListQueries returns one row per live transaction with an active query. A
// query streaming slowly to its consumer appears here for its entire open
// interval and disappears the moment its cursor is drained or closed.
func (p *Procedures) ListQueries(ctx context.Context, subject identity.Subject, callerTxID uint64) ([]QueryStatusRow, error) {
	_, span := p.tracer.Start(ctx, "procedures.ListQueries")
	defer span.End()

	if err := checkCredentials(subject); err != nil {
		return nil, err
	}

	rows := make([]QueryStatusRow, 0)
	for _, snap := range p.registry.List(subject.Identity, subject.Mode) {
		if snap.Query == nil {
			continue
		}
		params := snap.Query.Parameters
		if params == nil {
			params = map[string]any{}
		}
		rows = append(rows, QueryStatusRow{
			QueryID:    snap.Query.QueryID,
			Username:   snap.Owner.Name(),
			Query:      snap.Query.Text,
			Parameters: params,
			StartTime:  snap.Query.StartedAt.Format(startTimeFormat),
		})
	}

	span.SetAttributes(attribute.Int("rows", len(rows)))
	return rows, nil
}

// TerminateTransactionsForUser resolves the target display name against the
// known principals, enforces that restricted callers only target themselves,
// and flags every live transaction of the target except the one this call
// runs in. The returned count excludes transactions that were already
// flagged.
func (p *Procedures) TerminateTransactionsForUser(ctx context.Context, subject identity.Subject, callerTxID uint64, targetName string) (TerminationRow, error) {
	_, span := p.tracer.Start(ctx, "procedures.TerminateTransactionsForUser")
	defer span.End()

	if err := checkCredentials(subject); err != nil {
		return TerminationRow{}, err
	}

	target, err := p.principals.Lookup(targetName)
	if err != nil {
		return TerminationRow{}, err
	}
	if subject.Mode != identity.Full && target.Name() != subject.Identity.Name() {
		return TerminationRow{}, identity.ErrPermissionDenied
	}

	count := p.registry.RequestTermination(target, subject.Identity, subject.Mode, callerTxID)
	p.logger.Info("terminate transactions for user",
		zap.String("target", target.Name()),
		zap.String("caller", subject.Identity.Name()),
		zap.Int("terminated", count),
	)

	span.SetAttributes(attribute.Int("terminated", count), attribute.String("target", target.Name()))
	return TerminationRow{
		Username:               target.Name(),
		TransactionsTerminated: strconv.Itoa(count),
	}, nil
}

// queryStartTime is a test seam: parse a row's start time back into a
// comparable instant.
func queryStartTime(row QueryStatusRow) (time.Time, error) {
	return time.Parse(startTimeFormat, row.StartTime)
}
