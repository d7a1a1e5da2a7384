// Command medchaind runs the redaction core as an HTTP daemon: it wires the
// policy registry, consistency engine, proof backend, ledger backend,
// content store, and audit log into a redaction.Engine and exposes the
// request/approve/reject lifecycle plus a Prometheus metrics endpoint.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/internal/logging"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/internal/metrics"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/auditlog"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/config"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/consistency"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/content"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/keyprovider"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/kvdb"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/ledgerbackend"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/policy"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/redaction"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/zkproof"
)

func main() {
	cfg := config.Load()
	logger := logging.New("medchaind", cfg.NetworkName, cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		os.Exit(1)
	}

	keys, err := buildKeyProvider(cfg)
	if err != nil {
		logger.Error("build key provider", "error", err)
		os.Exit(1)
	}

	store := content.NewSimulated(keys)

	ledger, closeLedger, err := buildLedgerBackend(cfg)
	if err != nil {
		logger.Error("build ledger backend", "error", err)
		os.Exit(1)
	}
	if closeLedger != nil {
		defer closeLedger()
	}

	audit, err := auditlog.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("open audit log", "error", err)
		os.Exit(1)
	}
	defer audit.Close()

	registry := policy.NewRegistry()
	for _, p := range policy.DefaultPolicies() {
		if err := registry.Register(p); err != nil {
			logger.Error("register default policy", "policy_id", p.PolicyID, "error", err)
			os.Exit(1)
		}
	}

	engine := redaction.New(registry, consistency.NewEngine(), zkproof.NewSimulated(), ledger, store, audit,
		redaction.WithTimeLockGrace(cfg.TimeLockGrace),
		redaction.WithProofVerifyBudget(cfg.ProofVerifyBudget),
		redaction.WithConsistencyBudget(cfg.ConsistencyBudget),
	)
	reg := metrics.Get(nil)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/v1/records", withLogger(logger, handleAddRecord(engine, reg)))
	mux.HandleFunc("/v1/records/", withLogger(logger, handleGetRecord(engine)))
	mux.HandleFunc("/v1/redaction-requests", withLogger(logger, handleCreateRequest(engine, reg)))
	mux.HandleFunc("/v1/redaction-requests/approve", withLogger(logger, handleApprove(engine, reg)))
	mux.HandleFunc("/v1/redaction-requests/reject", withLogger(logger, handleReject(engine)))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "network", cfg.NetworkName)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited", "error", err)
		}
	}()

	go runGC(ctx, logger, engine)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// runGC periodically sweeps PENDING requests whose time-lock window has
// elapsed without reaching their approval threshold, until ctx is canceled.
func runGC(ctx context.Context, logger *slog.Logger, engine *redaction.Engine) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if collected := engine.GCPending(ctx); len(collected) > 0 {
				logger.Info("gc'd expired redaction requests", "count", len(collected))
			}
		}
	}
}

func buildKeyProvider(cfg *config.Config) (keyprovider.Provider, error) {
	switch cfg.KeyProviderBackend {
	case "file":
		return keyprovider.OpenFileKeystore(cfg.KeystorePath, cfg.KeystorePassphrase)
	case "env", "":
		if cfg.ActiveKeyBase64 == "" {
			return keyprovider.NewEnvProvider(nil)
		}
		key, err := base64.StdEncoding.DecodeString(cfg.ActiveKeyBase64)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, err, "medchaind: decode MEDCHAIN_ACTIVE_KEY")
		}
		return keyprovider.NewEnvProvider(key)
	default:
		return nil, errs.New(errs.InvalidInput, "medchaind: unknown key provider backend %q", cfg.KeyProviderBackend)
	}
}

// buildLedgerBackend returns a Simulated backend over an in-memory KV by
// default, or over a durable goleveldb-backed kvdb.Adapter when
// MEDCHAIN_CONTENT_STORE selects a persistent data dir. The returned close
// func is nil for the in-memory case.
func buildLedgerBackend(cfg *config.Config) (ledgerbackend.Backend, func() error, error) {
	if cfg.ContentStoreBackend != "external" {
		return ledgerbackend.NewSimulated(nil), nil, nil
	}
	adapter, err := kvdb.Open("ledger", filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return nil, nil, errs.Wrap(errs.StorageError, err, "medchaind: open ledger kv store")
	}
	return ledgerbackend.NewSimulated(adapter), adapter.Close, nil
}

// withLogger logs every request's method and path, masking any trailing
// path segment (e.g. the patient_id in /v1/records/<id>) so patient
// identifiers never land in the daemon's operational logs.
func withLogger(logger *slog.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next(w, r)
		prefix, id := splitTrailingSegment(r.URL.Path)
		logger.Info("request", "method", r.Method, "path", prefix, logging.MaskField("id", id))
	}
}

func splitTrailingSegment(path string) (prefix, segment string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 || i == len(path)-1 {
		return path, ""
	}
	return path[:i+1], path[i+1:]
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type addRecordRequest struct {
	PatientID     string                 `json:"patient_id"`
	Fields        map[string]interface{} `json:"fields"`
	ConsentStatus string                 `json:"consent_status"`
}

func handleAddRecord(engine *redaction.Engine, reg *metrics.Redaction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, errs.New(errs.InvalidInput, "method not allowed"))
			return
		}
		var req addRecordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errs.Wrap(errs.InvalidInput, err, "decode request body"))
			return
		}
		if err := engine.AddRecord(r.Context(), req.PatientID, req.Fields, req.ConsentStatus); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"patient_id": req.PatientID})
	}
}

func handleGetRecord(engine *redaction.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID := filepath.Base(r.URL.Path)
		record, err := engine.Record(patientID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

type createRequestBody struct {
	PatientID    string        `json:"patient_id"`
	OpType       policy.OpType `json:"op_type"`
	Reason       string        `json:"reason"`
	Requester    string        `json:"requester"`
	RequesterRole policy.Role  `json:"requester_role"`
	TargetFields []string      `json:"target_fields,omitempty"`
}

func handleCreateRequest(engine *redaction.Engine, reg *metrics.Redaction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, errs.New(errs.InvalidInput, "method not allowed"))
			return
		}
		var body createRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errs.Wrap(errs.InvalidInput, err, "decode request body"))
			return
		}
		requestID, err := engine.Request(r.Context(), body.PatientID, body.OpType, body.Reason, body.Requester, body.RequesterRole, body.TargetFields)
		outcome := "ok"
		if err != nil {
			outcome = "rejected"
		}
		reg.Requests.WithLabelValues(string(body.OpType), outcome).Inc()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"request_id": requestID})
	}
}

type approveRequestBody struct {
	RequestID string `json:"request_id"`
	Approver  string `json:"approver"`
}

func handleApprove(engine *redaction.Engine, reg *metrics.Redaction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, errs.New(errs.InvalidInput, "method not allowed"))
			return
		}
		var body approveRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errs.Wrap(errs.InvalidInput, err, "decode request body"))
			return
		}
		if err := engine.Approve(r.Context(), body.RequestID, body.Approver); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	}
}

type rejectRequestBody struct {
	RequestID string `json:"request_id"`
	Approver  string `json:"approver"`
	Reason    string `json:"reason"`
}

func handleReject(engine *redaction.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, errs.New(errs.InvalidInput, "method not allowed"))
			return
		}
		var body rejectRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errs.Wrap(errs.InvalidInput, err, "decode request body"))
			return
		}
		if err := engine.Reject(r.Context(), body.RequestID, body.Approver, body.Reason); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := errs.KindOf(err); ok {
		switch kind {
		case errs.InvalidInput:
			status = http.StatusBadRequest
		case errs.NotFound:
			status = http.StatusNotFound
		case errs.Unauthorized:
			status = http.StatusForbidden
		case errs.PolicyViolation, errs.ConsistencyViolation, errs.ProofInvalid:
			status = http.StatusUnprocessableEntity
		case errs.Replay:
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
