/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Command captokenserver runs the Capability Enforcement Core's HTTP
// surface: token issuance/verification, the tool allow-list rule engine,
// policy evaluation, plan compilation, and the orchestrator. Composition
// style (one struct wiring every subsystem manager, net/http.ServeMux
// routing, signal.NotifyContext shutdown) follows a control-plane main
// composition style, with the Kubernetes manager bootstrap removed.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anumate/capcore/internal/apierr"
	"github.com/anumate/capcore/internal/capcheck"
	"github.com/anumate/capcore/internal/captoken"
	"github.com/anumate/capcore/internal/config"
	"github.com/anumate/capcore/internal/controlplane/audit"
	"github.com/anumate/capcore/internal/controlplane/policy"
	"github.com/anumate/capcore/internal/drift"
	"github.com/anumate/capcore/internal/enforcement"
	"github.com/anumate/capcore/internal/events"
	"github.com/anumate/capcore/internal/notify"
	"github.com/anumate/capcore/internal/orchestrator"
	"github.com/anumate/capcore/internal/orchestrator/engine"
	"github.com/anumate/capcore/internal/plancache"
	"github.com/anumate/capcore/internal/plancompiler"
	"github.com/anumate/capcore/internal/replay"
	"github.com/anumate/capcore/internal/safety/blastradius"
	"github.com/anumate/capcore/internal/shared/ratelimit"
	"github.com/anumate/capcore/internal/shared/signing"
	"github.com/anumate/capcore/internal/store"
	"github.com/anumate/capcore/internal/telemetry"
	"github.com/anumate/capcore/internal/tenant"
	"github.com/anumate/capcore/internal/usage"
	"github.com/anumate/capcore/internal/violation"
	"github.com/anumate/capcore/internal/violationreport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// server wires every subsystem manager behind one struct, the way a
// control plane composes its fleet-management subsystems.
type server struct {
	log       *zap.Logger
	db        *sql.DB
	startedAt time.Time

	tokens       *captoken.Service
	checker      *capcheck.Checker
	gate         *enforcement.Gate
	compiler     *plancompiler.Compiler
	cache        *plancache.Cache
	policies     policy.PolicyManager
	quotas       *tenant.QuotaEnforcer
	orchestrator *orchestrator.Orchestrator
	violations   *violation.Store
	usage        *usage.Store
	audit        *audit.Store
	drift        *drift.Detector
	reports      *violationreport.Reporter
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("config error:", err)
		panic(err)
	}

	var logger *zap.Logger
	if cfg.Env == config.EnvProd || cfg.Env == config.EnvStage {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("failed to init trace provider", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("trace provider shutdown error", zap.Error(err))
		}
	}()

	srv, err := buildServer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}

	go srv.audit.PurgeLoop(ctx, auditRetention, auditPurgeInterval)

	mux := srv.routes(cfg)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting captokenserver",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.String("env", string(cfg.Env)),
	)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func buildServer(cfg *config.Config, logger *zap.Logger) (*server, error) {
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	signer, err := loadSigner(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("load signer: %w", err)
	}

	var replayStore replay.Store = replay.NewSQLStore(db)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		replayStore = replay.NewFallback(replay.NewRedisStore(redis.NewClient(opts)), replayStore)
	}

	tokens := captoken.NewService(db, signer, replayStore, logger)

	driftDetector := drift.New(drift.DefaultConfig(), logger)
	checker := capcheck.NewChecker(db).WithDrift(driftDetector)

	usageStore := usage.NewStore(db)
	violationStore := violation.NewStore(db)

	reports := violationreport.New(logger, func(v violationreport.Violation) error {
		driftDetector.RecordViolation(v.PolicyName, v.ViolationType, v.Severity, v.Subject)
		return nil
	})
	if cfg.ViolationWebhookURL != "" {
		reports.AddAlertRule(&violationreport.AlertRule{
			RuleID:           "default-webhook",
			Name:             "default webhook alert",
			Enabled:          true,
			MinSeverity:      "MEDIUM",
			RateLimitPerHour: 60,
			Channels:         []violationreport.Channel{notify.NewWebhookChannel(cfg.ViolationWebhookURL, nil)},
		})
	}

	gate := enforcement.NewGate(tokens, checker, violationStore, usageStore, logger).WithReports(reports)
	if cfg.FailOpen {
		gate.FailMode = enforcement.FailOpen
	}

	auditStore, err := audit.NewStore(db, 1000)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	compiler := plancompiler.New(nil)
	cache := plancache.New(plancache.DefaultConfig())
	cache.StartCleanup(context.Background())

	policies := policy.NewStore()
	quotas := tenant.NewQuotaEnforcer(logger)
	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig())

	bus := events.NewBus()
	tokenVerifier := orchestrator.NewCapTokenVerifier(tokens)
	executor := orchestrator.NewHTTPExecutorClient(cfg.CapTokensBaseURL, cfg.PortiaAPIKey)
	approvals := orchestrator.NewHTTPApprovalsClient(cfg.ApprovalsBaseURL)
	receipts := orchestrator.NewHTTPReceiptsClient(cfg.ReceiptsBaseURL)

	orch := orchestrator.New(tokenVerifier, compiler, executor, approvals, receipts, bus).
		WithQuotas(quotas).
		WithRateLimit(limiter).
		WithBlastRadius(blastradius.NewDeterministicScorer())
	if cfg.EnableRazorpayMCP {
		dispatcher := engine.NewDispatcher(cfg.RegistryBaseURL, cfg.RazorpayMCPMode)
		orch = orch.WithRazorpayDispatcher(dispatcher)
	}

	return &server{
		log:          logger,
		db:           db,
		startedAt:    time.Now(),
		tokens:       tokens,
		checker:      checker,
		gate:         gate,
		compiler:     compiler,
		cache:        cache,
		policies:     policies,
		quotas:       quotas,
		orchestrator: orch,
		violations:   violationStore,
		usage:        usageStore,
		audit:        auditStore,
		drift:        driftDetector,
		reports:      reports,
	}, nil
}

// auditRetention and auditPurgeInterval bound how long token_audit_logs
// rows are kept and how often the background purge runs.
const (
	auditRetention     = 30 * 24 * time.Hour
	auditPurgeInterval = time.Hour
)

func loadSigner(cfg *config.Config, logger *zap.Logger) (*signing.Signer, error) {
	if cfg.SigningKeyHex == "" {
		logger.Warn("CAPTOKEN_SIGNING_KEY not set, generating an ephemeral key (dev/test only)")
		return signing.GenerateSigner()
	}
	seed, err := hex.DecodeString(cfg.SigningKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode CAPTOKEN_SIGNING_KEY: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return signing.NewSigner(priv), nil
}

func (s *server) routes(cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth(cfg))
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version, "commit": commit, "date": date})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/tokens", s.handleIssueToken)
	mux.HandleFunc("POST /v1/tokens/verify", s.handleVerifyToken)
	mux.HandleFunc("POST /v1/tokens/{id}/revoke", s.handleRevokeToken)
	mux.HandleFunc("POST /v1/captokens/refresh", s.handleRefreshToken)

	mux.Handle("POST /v1/execute", s.gate.Middleware([]string{"plan_execution"}, "orchestrator.execute", s.handleExecute))

	mux.HandleFunc("GET /v1/policy/templates", s.handleListPolicyTemplates)
	mux.HandleFunc("POST /v1/policy/templates/{id}/apply", s.handleApplyPolicyTemplate)

	mux.HandleFunc("POST /v1/tokens/cleanup", s.handleCleanupTokens)

	mux.HandleFunc("GET /v1/rules", s.handleListRules)
	mux.HandleFunc("POST /v1/rules", s.handleCreateRule)

	mux.HandleFunc("POST /v1/capabilities/check", s.handleCapabilityCheck)
	mux.HandleFunc("POST /v1/capabilities/initialize", s.handleCapabilitiesInitialize)
	mux.HandleFunc("GET /v1/capabilities/violations", s.handleListViolations)
	mux.HandleFunc("GET /v1/capabilities/violations/stats", s.handleViolationStats)
	mux.HandleFunc("GET /v1/capabilities/usage/stats", s.handleUsageStats)
	mux.HandleFunc("GET /v1/capabilities/audit", s.handleListAuditEvents)
	mux.HandleFunc("GET /v1/capabilities/drift", s.handleListDriftAlerts)

	return mux
}

func (s *server) handleHealth(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStatus := "ok"
		if err := s.db.PingContext(r.Context()); err != nil {
			dbStatus = "unreachable"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"version":        version,
			"uptime_seconds": time.Since(s.startedAt).Seconds(),
			"database":       dbStatus,
		})
	}
}

func (s *server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject      string   `json:"subject"`
		Capabilities []string `json:"capabilities"`
		TTLSeconds   int      `json:"ttl_seconds"`
		Tenant       string   `json:"tenant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.CodeMalformedRequest, err.Error())
		return
	}

	result, err := s.tokens.Issue(r.Context(), req.Subject, req.Capabilities, req.TTLSeconds, req.Tenant)
	if err != nil {
		s.log.Error("issue token failed", zap.Error(err))
		writeError(w, apierr.CodeInternal, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string `json:"token"`
		Tenant string `json:"tenant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.CodeMalformedRequest, err.Error())
		return
	}

	result, err := s.tokens.Verify(r.Context(), req.Token, req.Tenant)
	if err != nil {
		s.log.Error("verify token failed", zap.Error(err))
		writeError(w, apierr.CodeInternal, "failed to verify token")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	tokenID := r.PathValue("id")
	var req struct {
		RevokedBy string `json:"revoked_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.CodeMalformedRequest, err.Error())
		return
	}

	ok, err := s.tokens.Revoke(r.Context(), tokenID, req.RevokedBy)
	if err != nil {
		s.log.Error("revoke token failed", zap.Error(err))
		writeError(w, apierr.CodeInternal, "failed to revoke token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": ok})
}

func (s *server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token      string `json:"token"`
		Tenant     string `json:"tenant"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.CodeMalformedRequest, err.Error())
		return
	}
	if req.TTLSeconds <= 0 {
		req.TTLSeconds = 300
	}

	result, err := s.tokens.Refresh(r.Context(), req.Token, req.Tenant, req.TTLSeconds)
	if err != nil {
		s.log.Error("refresh token failed", zap.Error(err))
		writeError(w, apierr.CodeInvalidToken, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *server) handleCapabilityCheck(w http.ResponseWriter, r *http.Request) {
	var req capcheck.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.CodeMalformedRequest, err.Error())
		return
	}

	result, err := s.checker.Check(r.Context(), req)
	if err != nil {
		s.log.Error("capability check failed", zap.Error(err))
		writeError(w, apierr.CodeInternal, "capability check failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleCapabilitiesInitialize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tenant string `json:"tenant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.CodeMalformedRequest, err.Error())
		return
	}
	if req.Tenant == "" {
		writeError(w, apierr.CodeMalformedRequest, "tenant is required")
		return
	}

	if err := s.checker.SeedDefaultRules(r.Context(), req.Tenant); err != nil {
		s.log.Error("seed default rules failed", zap.Error(err))
		writeError(w, apierr.CodeInternal, "failed to initialize tenant capabilities")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"tenant": req.Tenant, "status": "initialized"})
}

func (s *server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, apierr.CodeMalformedRequest, "tenant query parameter is required")
		return
	}
	hours := parseHoursParam(r, 24)

	violations, err := s.violations.List(r.Context(), tenant, hours)
	if err != nil {
		s.log.Error("list violations failed", zap.Error(err))
		writeError(w, apierr.CodeInternal, "failed to list violations")
		return
	}
	writeJSON(w, http.StatusOK, violations)
}

func (s *server) handleViolationStats(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, apierr.CodeMalformedRequest, "tenant query parameter is required")
		return
	}
	hours := parseHoursParam(r, 24)

	stats, err := s.violations.Stats(r.Context(), tenant, hours)
	if err != nil {
		s.log.Error("violation stats failed", zap.Error(err))
		writeError(w, apierr.CodeInternal, "failed to compute violation stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, apierr.CodeMalformedRequest, "tenant query parameter is required")
		return
	}
	hours := parseHoursParam(r, 24)

	stats, err := s.usage.Stats(r.Context(), tenant, hours)
	if err != nil {
		s.log.Error("usage stats failed", zap.Error(err))
		writeError(w, apierr.CodeInternal, "failed to compute usage stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleListDriftAlerts returns active drift alerts, optionally filtered by
// policy name (here, the tool pattern a capability check was evaluated
// against) and severity.
func (s *server) handleListDriftAlerts(w http.ResponseWriter, r *http.Request) {
	policyName := r.URL.Query().Get("policy")
	severity := drift.Severity(r.URL.Query().Get("severity"))
	writeJSON(w, http.StatusOK, s.drift.ActiveAlerts(policyName, severity))
}

func (s *server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, apierr.CodeMalformedRequest, "tenant query parameter is required")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.audit.QueryPersisted(r.Context(), audit.Filter{
		TenantID:  tenant,
		TokenID:   r.URL.Query().Get("token_id"),
		Operation: audit.Operation(r.URL.Query().Get("operation")),
		Limit:     limit,
	})
	if err != nil {
		s.log.Error("list audit events failed", zap.Error(err))
		writeError(w, apierr.CodeInternal, "failed to list audit events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func parseHoursParam(r *http.Request, def int) int {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.CodeMalformedRequest, err.Error())
		return
	}

	result, err := s.orchestrator.Execute(r.Context(), req)
	if err != nil {
		s.log.Error("execute failed", zap.Error(err))
		writeError(w, apierr.CodeInternal, "execution failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleListPolicyTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.policies.List())
}

func (s *server) handleApplyPolicyTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Tenant string `json:"tenant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.CodeMalformedRequest, err.Error())
		return
	}
	if req.Tenant == "" {
		writeError(w, apierr.CodeMalformedRequest, "tenant is required")
		return
	}

	tmpl, ok := s.policies.Get(id)
	if !ok {
		writeError(w, apierr.CodeNotFound, "no such policy template")
		return
	}

	ruleIDs := make([]string, 0, len(tmpl.Allowed)+len(tmpl.Blocked))
	for _, rule := range tmpl.ToRules(req.Tenant) {
		ruleID, err := s.checker.CreateRule(r.Context(), rule)
		if err != nil {
			s.log.Error("apply policy template failed", zap.Error(err))
			writeError(w, apierr.CodeInternal, "failed to apply policy template")
			return
		}
		ruleIDs = append(ruleIDs, ruleID)
	}
	s.checker.InvalidateTenant(req.Tenant)

	writeJSON(w, http.StatusCreated, map[string]any{"applied_rule_ids": ruleIDs})
}

func (s *server) handleCleanupTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchSize  int  `json:"batch_size"`
		MaxAgeDays int  `json:"max_age_days"`
		DryRun     bool `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.CodeMalformedRequest, err.Error())
		return
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 500
	}
	if req.MaxAgeDays <= 0 {
		req.MaxAgeDays = 30
	}

	stats, err := s.tokens.Cleanup(r.Context(), req.BatchSize, req.MaxAgeDays, req.DryRun)
	if err != nil {
		s.log.Error("cleanup failed", zap.Error(err))
		writeError(w, apierr.CodeInternal, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, apierr.CodeMalformedRequest, "tenant query parameter is required")
		return
	}
	rules, err := s.checker.ListRules(r.Context(), tenant)
	if err != nil {
		s.log.Error("list rules failed", zap.Error(err))
		writeError(w, apierr.CodeInternal, "failed to list rules")
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule capcheck.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, apierr.CodeMalformedRequest, err.Error())
		return
	}

	ruleID, err := s.checker.CreateRule(r.Context(), rule)
	if err != nil {
		s.log.Error("create rule failed", zap.Error(err))
		writeError(w, apierr.CodeInternal, "failed to create rule")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"rule_id": ruleID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code apierr.Code, message string) {
	writeJSON(w, apierr.Status(code), map[string]string{"code": string(code), "error": message})
}
