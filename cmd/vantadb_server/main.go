package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/vantadb/vantadb/config"
	"github.com/vantadb/vantadb/core/execution"
	"github.com/vantadb/vantadb/core/identity"
	"github.com/vantadb/vantadb/core/procedures"
	"github.com/vantadb/vantadb/core/session"
	"github.com/vantadb/vantadb/core/txregistry"
	internaltelemetry "github.com/vantadb/vantadb/internal/telemetry"
	"github.com/vantadb/vantadb/pkg/logger"
	"github.com/vantadb/vantadb/pkg/telemetry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// userHeader names the pre-authenticated principal acting on a request.
	// Authentication itself happens upstream; this server only resolves the
	// principal against its store.
	userHeader = "X-VantaDB-User"
	// timeoutHeader carries the requested execution budget in milliseconds.
	timeoutHeader = "max-execution-time"

	httpShutdownTimeout  = 5 * time.Second
	drainTimeout         = 30 * time.Second
	telemetryStopTimeout = 5 * time.Second
)

var (
	configPath = flag.String("config", "", "Path to the YAML config file")
	listenAddr = flag.String("listen_addr", "", "HTTP bind address (overrides config)")
)

type server struct {
	cfg        config.Config
	logger     *zap.Logger
	principals *identity.PrincipalStore
	admins     map[string]bool
	pwdChange  map[string]bool
	registry   *txregistry.Registry
	factory    *session.Factory
	procs      *procedures.Procedures
	limiter    *rate.Limiter
	metrics    *internaltelemetry.HTTPServerMetrics
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: can't initialize zap logger: %v", err)
	}

	zlogger.Info("Starting VantaDB server",
		zap.String("listenAddr", cfg.Server.ListenAddr),
		zap.Int64("defaultTxTimeoutMillis", cfg.Server.DefaultTxTimeoutMillis),
		zap.Int("registryCapacity", cfg.Server.RegistryCapacity),
		zap.Bool("authEnabled", cfg.Server.AuthEnabled),
	)

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("CRITICAL: failed to initialize telemetry", zap.Error(err))
	}

	srv, err := newServer(cfg, zlogger, tel)
	if err != nil {
		zlogger.Fatal("CRITICAL: failed to initialize server", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/db/query", srv.handleQuery)
	mux.HandleFunc("/admin/transactions", srv.handleListTransactions)
	mux.HandleFunc("/admin/queries", srv.handleListQueries)
	mux.HandleFunc("/admin/terminate", srv.handleTerminate)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.middleware(mux),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		zlogger.Info("HTTP server listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown: stop accepting, drain in-flight transactions, then
	// flush telemetry.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	zlogger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlogger.Warn("HTTP shutdown did not complete cleanly", zap.Error(err))
	}
	cancel()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	if err := srv.registry.Drain(drainCtx); err != nil {
		zlogger.Warn("registry did not drain before deadline",
			zap.Int("remaining", srv.registry.Count()),
			zap.Error(err),
		)
	}
	cancelDrain()

	telCtx, cancelTel := context.WithTimeout(context.Background(), telemetryStopTimeout)
	if err := telShutdown(telCtx); err != nil {
		zlogger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	cancelTel()

	wg.Wait()
	zlogger.Info("VantaDB server shut down gracefully.")
}

func newServer(cfg config.Config, zlogger *zap.Logger, tel *telemetry.Telemetry) (*server, error) {
	principals := identity.NewPrincipalStore()
	admins := make(map[string]bool)
	pwdChange := make(map[string]bool)
	for _, u := range cfg.Server.Users {
		principals.Add(identity.NewIdentity(u.Name))
		admins[u.Name] = u.Admin
		pwdChange[u.Name] = u.PasswordChangeRequired
	}
	if err := identity.ValidateAuthConfig(cfg.Server.AuthEnabled, principals); err != nil {
		return nil, err
	}

	registryMetrics, err := internaltelemetry.NewRegistryMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry metrics: %w", err)
	}
	httpMetrics, err := internaltelemetry.NewHTTPServerMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create http metrics: %w", err)
	}

	registry := txregistry.NewRegistry(cfg.Server.RegistryCapacity, zlogger, registryMetrics)
	engine := execution.NewInMemoryEngine(zlogger)
	factory := session.NewFactory(engine, registry, cfg.Server.DefaultTxTimeout(), zlogger)
	procs := procedures.New(registry, principals, zlogger, tel.Tracer)

	var limiter *rate.Limiter
	if cfg.Server.RateLimit > 0 {
		burst := cfg.Server.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), burst)
	}

	return &server{
		cfg:        cfg,
		logger:     zlogger,
		principals: principals,
		admins:     admins,
		pwdChange:  pwdChange,
		registry:   registry,
		factory:    factory,
		procs:      procs,
		limiter:    limiter,
		metrics:    httpMetrics,
	}, nil
}

// middleware applies rate limiting and request metrics around every handler.
func (s *server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		start := time.Now()
		s.metrics.RequestsStartedCounter.Add(r.Context(), 1)
		s.metrics.ActiveRequestsUpDownCounter.Add(r.Context(), 1)

		next.ServeHTTP(w, r)

		s.metrics.ActiveRequestsUpDownCounter.Add(r.Context(), -1)
		s.metrics.RequestsHandledCounter.Add(r.Context(), 1)
		s.metrics.RequestLatencyHistogram.Record(r.Context(), time.Since(start).Milliseconds())
	})
}

// resolveSubject turns the pre-authenticated user header into a Subject.
func (s *server) resolveSubject(r *http.Request) (identity.Subject, error) {
	name := r.Header.Get(userHeader)
	id, err := s.principals.Lookup(name)
	if err != nil {
		return identity.Subject{}, err
	}
	mode := identity.Restricted
	if s.admins[name] {
		mode = identity.Full
	}
	return identity.Subject{
		Identity:               id,
		Mode:                   mode,
		PasswordChangeRequired: s.pwdChange[name],
	}, nil
}

type queryRequest struct {
	Statement  string         `json:"statement"`
	Parameters map[string]any `json:"parameters"`
}

type queryResponse struct {
	Rows []map[string]any `json:"rows"`
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	subject, err := s.resolveSubject(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := s.factory.CreateSession(r.Context(), subject, req.Statement, req.Parameters,
		session.Meta{MaxExecutionTime: r.Header.Get(timeoutHeader)})
	if err != nil {
		writeError(w, err)
		return
	}

	rows, err := sess.Execute(r.Context())
	if err != nil {
		_ = sess.Finish(err)
		writeError(w, err)
		return
	}

	resp := queryResponse{Rows: make([]map[string]any, 0)}
	for rows.Next() {
		resp.Rows = append(resp.Rows, rows.Row())
	}
	streamErr := rows.Err()
	_ = rows.Close()
	if finishErr := sess.Finish(streamErr); streamErr == nil && finishErr != nil {
		streamErr = finishErr
	}
	if streamErr != nil {
		writeError(w, streamErr)
		return
	}
	writeJSON(w, resp)
}

// runProcedure executes fn inside the procedure call's own implicit
// transaction, so the call is itself visible to concurrent enumerations.
func (s *server) runProcedure(r *http.Request, subject identity.Subject, callText string, fn func(callerTxID uint64) (any, error)) (any, error) {
	sess, err := s.factory.CreateSession(r.Context(), subject, callText, nil, session.Meta{})
	if err != nil {
		return nil, err
	}

	rows, err := sess.Execute(r.Context())
	if err != nil {
		_ = sess.Finish(err)
		return nil, err
	}

	result, err := fn(sess.TxID())
	_ = rows.Close()
	if finishErr := sess.Finish(err); err == nil && finishErr != nil {
		err = finishErr
	}
	return result, err
}

func (s *server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	subject, err := s.resolveSubject(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.runProcedure(r, subject, "CALL dbms.listTransactions()", func(callerTxID uint64) (any, error) {
		return s.procs.ListTransactions(r.Context(), subject, callerTxID)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (s *server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	subject, err := s.resolveSubject(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.runProcedure(r, subject, "CALL dbms.listQueries()", func(callerTxID uint64) (any, error) {
		return s.procs.ListQueries(r.Context(), subject, callerTxID)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

type terminateRequest struct {
	Username string `json:"username"`
}

func (s *server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	subject, err := s.resolveSubject(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req terminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	callText := fmt.Sprintf("CALL dbms.terminateTransactionsForUser('%s')", req.Username)
	result, err := s.runProcedure(r, subject, callText, func(callerTxID uint64) (any, error) {
		return s.procs.TerminateTransactionsForUser(r.Context(), subject, callerTxID, req.Username)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// writeError maps the governance error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var notFound *identity.PrincipalNotFoundError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.Is(err, identity.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, identity.ErrCredentialChangeRequired):
		status = http.StatusForbidden
	case errors.Is(err, txregistry.ErrRegistryExhausted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, txregistry.ErrTransactionTerminated):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidTimeout):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
