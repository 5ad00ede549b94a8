package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// RegistryMetrics holds all the metric instruments for the transaction registry.
type RegistryMetrics struct {
	ActiveTransactionsUpDownCounter metric.Int64UpDownCounter
	QueriesStartedCounter           metric.Int64Counter
	TerminationsRequestedCounter    metric.Int64Counter
}

// NewRegistryMetrics creates and registers all the metrics for the transaction registry.
func NewRegistryMetrics(meter metric.Meter) (*RegistryMetrics, error) {
	activeTransactions, err := meter.Int64UpDownCounter(
		"vantadb.registry.active_transactions",
		metric.WithDescription("Number of live transactions in the registry."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	queriesStarted, err := meter.Int64Counter(
		"vantadb.registry.queries_started_total",
		metric.WithDescription("Total number of queries attached to transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	terminationsRequested, err := meter.Int64Counter(
		"vantadb.registry.terminations_requested_total",
		metric.WithDescription("Total number of transactions flagged for termination."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &RegistryMetrics{
		ActiveTransactionsUpDownCounter: activeTransactions,
		QueriesStartedCounter:           queriesStarted,
		TerminationsRequestedCounter:    terminationsRequested,
	}, nil
}
