// Command gateway runs the agent gateway: policy evaluation, execution
// through vetted connectors, approvals and the signed audit trail,
// behind a small JSON HTTP surface.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/agentgate/agentgate/pkg/approval"
	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/budget"
	"github.com/agentgate/agentgate/pkg/config"
	"github.com/agentgate/agentgate/pkg/connector"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/gateway"
	"github.com/agentgate/agentgate/pkg/manifest"
	"github.com/agentgate/agentgate/pkg/observability"
	"github.com/agentgate/agentgate/pkg/policy"
	"github.com/agentgate/agentgate/pkg/ratelimit"
	"github.com/agentgate/agentgate/pkg/signing"
	"github.com/agentgate/agentgate/pkg/token"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile, err := config.LoadProfile("profiles", cfg.Environment)
	if err != nil {
		return err
	}
	profile.Apply(cfg)

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    "agentgate",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       cfg.Environment != config.EnvProduction,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	signer, err := signing.New(signing.Config{
		Environment:   cfg.Environment,
		PrivateKeyPEM: cfg.SigningKeyPEM,
		KeyPath:       cfg.SigningKeyPath,
	})
	if err != nil {
		return err
	}
	for issuer, pubHex := range profile.Issuers {
		pub, err := token.IssuerKeyFromHex(pubHex)
		if err != nil {
			return err
		}
		signer.RegisterIssuer(issuer, pub)
	}
	tokens := token.NewService(signer)

	auditStore, err := audit.OpenSQLiteStore(cfg.AuditDBPath)
	if err != nil {
		return err
	}
	defer func() { _ = auditStore.Close() }()
	auditLog, err := audit.NewLog(ctx, auditStore, signer)
	if err != nil {
		return err
	}

	var (
		budgets   budget.Store
		approvals approval.Store
		limiter   ratelimit.Limiter
	)
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		pgBudget := budget.NewPostgresStore(db)
		if err := pgBudget.Migrate(ctx); err != nil {
			return err
		}
		pgApproval := approval.NewPostgresStore(db)
		if err := pgApproval.Migrate(ctx); err != nil {
			return err
		}
		budgets, approvals = pgBudget, pgApproval
	default:
		budgets, approvals = budget.NewMemoryStore(), approval.NewMemoryStore()
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		budgets = budget.NewRedisStore(client)
		limiter = ratelimit.NewRedis(client, cfg.RateLimitRPS, cfg.RateLimitBurst)
	} else {
		local := ratelimit.NewLocal(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer local.Close()
		limiter = local
	}

	manifests := manifest.NewMemoryStore()
	approvalMgr := approval.NewManager(approvals, tokens, 24*time.Hour, time.Hour)
	bucketer := budget.NewBucketer(cfg.BudgetTimezone)

	engine, err := policy.New(manifests, budgets, bucketer, tokens, approvalMgr)
	if err != nil {
		return err
	}

	guard := connector.NewGuard()
	registry := connector.NewRegistry()
	registry.Register(connector.NewHTTP("http", guard))
	registry.Register(connector.NewWebhook("webhook", connector.NewGuard(connector.WithHTTPSOnly()), signer))
	registry.Register(connector.NewMockEcho("mock"))
	mailPath := profile.MailJournalPath
	if mailPath == "" {
		mailPath = "mail-journal.jsonl"
	}
	payPath := profile.PaymentJournalPath
	if payPath == "" {
		payPath = "payment-journal.jsonl"
	}
	registry.Register(connector.NewSimulatedMailer("mailer", mailPath))
	registry.Register(connector.NewSimulatedPayments("payments", payPath))

	var evidenceSink audit.Sink
	switch profile.EvidenceStore {
	case "s3":
		evidenceSink, err = audit.NewS3Sink(ctx, audit.S3SinkConfig{
			Bucket: profile.EvidenceBucket,
			Region: os.Getenv("AWS_REGION"),
			Prefix: "evidence/",
		})
		if err != nil {
			return err
		}
	case "gcs":
		evidenceSink, err = audit.NewGCSSink(ctx, profile.EvidenceBucket, "evidence/")
		if err != nil {
			return err
		}
	}

	svc := gateway.New(engine, auditLog, approvalMgr, registry, gateway.Options{
		IdempotencyTTL:       cfg.IdempotencyTTL,
		GlobalWebhookDomains: cfg.AllowedWebhookDomains,
		Observability:        obs,
		Logger:               logger,
	})

	go sweepLoop(ctx, svc, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           ratelimit.Middleware(limiter, routes(svc, auditLog, manifests, evidenceSink)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "port", cfg.Port, "environment", cfg.Environment)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func sweepLoop(ctx context.Context, svc *gateway.Service, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := svc.SweepExpired(ctx); err != nil {
				logger.Warn("approval sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("expired approvals swept", "count", n)
			}
		}
	}
}

func routes(svc *gateway.Service, log *audit.Log, manifests *manifest.MemoryStore, evidenceSink audit.Sink) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "chain_head": log.Head()})
	})

	mux.HandleFunc("POST /v1/evaluate", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRequest(w, r)
		if !ok {
			return
		}
		dec, err := svc.Evaluate(r.Context(), req)
		if err != nil {
			writeRequestError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dec)
	})

	mux.HandleFunc("POST /v1/execute", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRequest(w, r)
		if !ok {
			return
		}
		res, err := svc.Execute(r.Context(), req)
		if err != nil {
			writeRequestError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("POST /v1/approvals/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
		tok, a, err := svc.Approve(r.Context(), r.PathValue("id"), actor(r))
		if err != nil {
			writeApprovalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"approval": a, "override_token": tok})
	})

	mux.HandleFunc("POST /v1/approvals/{id}/deny", func(w http.ResponseWriter, r *http.Request) {
		a, err := svc.DenyApproval(r.Context(), r.PathValue("id"), actor(r))
		if err != nil {
			writeApprovalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"approval": a})
	})

	mux.HandleFunc("GET /v1/audit/verify", func(w http.ResponseWriter, r *http.Request) {
		from, _ := strconv.Atoi(r.URL.Query().Get("from"))
		to, _ := strconv.Atoi(r.URL.Query().Get("to"))
		report, err := svc.VerifyChain(r.Context(), from, to)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "audit store unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	mux.HandleFunc("GET /v1/audit/export", func(w http.ResponseWriter, r *http.Request) {
		f := audit.Filter{
			OrgID:  r.URL.Query().Get("org_id"),
			UAPKID: r.URL.Query().Get("uapk_id"),
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		if err := log.Export(r.Context(), f, w); err != nil {
			slog.Error("audit export failed", "error", err)
		}
	})

	mux.HandleFunc("POST /v1/audit/evidence", func(w http.ResponseWriter, r *http.Request) {
		f := audit.Filter{
			OrgID:  r.URL.Query().Get("org_id"),
			UAPKID: r.URL.Query().Get("uapk_id"),
		}
		pack, err := log.BuildEvidencePack(r.Context(), f, evidenceSink)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "evidence pack failed"})
			return
		}
		writeJSON(w, http.StatusOK, pack)
	})

	mux.HandleFunc("PUT /v1/manifests", func(w http.ResponseWriter, r *http.Request) {
		var m contracts.Manifest
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed manifest"})
			return
		}
		if err := manifests.Put(&m); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "registered"})
	})

	return mux
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (*contracts.GatewayRequest, bool) {
	var req contracts.GatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return nil, false
	}
	return &req, true
}

func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "operator"
}

func writeRequestError(w http.ResponseWriter, err error) {
	var verr *contracts.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func writeApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "approval not found"})
	case errors.Is(err, approval.ErrConflict), errors.Is(err, approval.ErrExpired):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
