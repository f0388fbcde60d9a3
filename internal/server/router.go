package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"typeauth/internal/keyid"
)

type API struct {
	cfg         ServerConfig
	auth        *Auth
	store       Store
	client      ProfileClient
	enroller    EnrollerService
	lockout     *EntityLockout
	obs         *Observability
	verifyLimit *ipRateLimiter
}

func NewAPI(cfg ServerConfig, auth *Auth, store Store, client ProfileClient, enroller EnrollerService, lockout *EntityLockout, obs *Observability) *API {
	return &API{
		cfg:         cfg,
		auth:        auth,
		store:       store,
		client:      client,
		enroller:    enroller,
		lockout:     lockout,
		obs:         obs,
		verifyLimit: newIPRateLimiter(cfg.Limits.VerifyRPM),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /api/v1/auth/login", a.auth.HandleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", a.auth.HandleLogout)
	mux.HandleFunc("GET /api/v1/auth/me", a.auth.HandleMe)

	mux.HandleFunc("POST /api/v1/typing/verify", a.handleVerify)
	mux.HandleFunc("POST /api/v1/typing/mistake", a.handleMistake)
	mux.Handle("POST /api/v1/typing/enroll", a.auth.Require(http.HandlerFunc(a.handleEnroll)))
	mux.Handle("GET /api/v1/typing/jobs/{id}", a.auth.Require(http.HandlerFunc(a.handleGetJob)))
	mux.Handle("GET /api/v1/typing/jobs/{id}/events", a.auth.Require(http.HandlerFunc(a.handleJobEventsSSE)))

	mux.Handle("GET /api/v1/admin/attempts", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminAttempts)))
	mux.Handle("GET /api/v1/admin/jobs", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminListJobs)))
	mux.Handle("GET /api/v1/admin/audit", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminAudit)))
	mux.Handle("GET /api/v1/admin/metrics/overview", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminOverview)))
	mux.Handle("GET /api/v1/admin/profiles/{entity}", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminProfileInfo)))
	mux.Handle("DELETE /api/v1/admin/profiles/{entity}", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminProfileRemove)))

	wrapped := otelhttp.NewHandler(mux, "typeauth-api-http")
	return withCORS(wrapped)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": nowRFC3339(),
	})
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("typeauth-api").Start(r.Context(), "typing.verify")
	defer span.End()

	var req VerifyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.EntityID = strings.TrimSpace(req.EntityID)
	if req.EntityID == "" || strings.TrimSpace(req.Sample) == "" {
		writeError(w, http.StatusBadRequest, "entity_id and sample are required")
		return
	}
	span.SetAttributes(attribute.String("typing.entity_id", req.EntityID))
	ipHash, uaHash := actorHashes(r)

	attemptID, err := randomID("att")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "id generation failed")
		return
	}
	attempt := AttemptRecord{
		AttemptID: attemptID,
		EntityID:  req.EntityID,
		Kind:      "verify",
		SessionID: req.SessionID,
		Source:    "api.verify",
		IPHash:    ipHash,
		UAHash:    uaHash,
		CreatedAt: nowRFC3339(),
	}

	if !a.verifyLimit.Allow(ipHash) {
		attempt.Outcome = OutcomeRateLimited
		_ = a.store.RecordAttempt(attempt)
		a.obs.MarkRateLimited(ctx, "verify")
		writeError(w, http.StatusTooManyRequests, "verify rate limit reached")
		return
	}
	if locked, until := a.lockout.Locked(req.EntityID); locked {
		attempt.Outcome = OutcomeLockedOut
		_ = a.store.RecordAttempt(attempt)
		a.obs.MarkVerify(ctx, OutcomeLockedOut, 0)
		writeJSON(w, http.StatusLocked, map[string]any{
			"error":        "entity is locked out",
			"locked_until": until.UTC().Format(time.RFC3339),
		})
		return
	}

	callTimeout := time.Duration(a.cfg.KeyID.TimeoutSec) * time.Second
	callCtx, cancel := withTimeout(ctx, 3*callTimeout)
	defer cancel()

	start := time.Now()
	var result keyid.EvaluationResult
	if a.cfg.KeyID.PassiveEnrollment {
		result, err = a.client.LoginPassiveEnrollment(callCtx, req.EntityID, req.Sample, req.SessionID)
	} else {
		result, err = a.client.EvaluateProfile(callCtx, req.EntityID, req.Sample, req.SessionID)
	}
	attempt.DurationMS = time.Since(start).Milliseconds()

	if err != nil {
		span.RecordError(err)
		attempt.Outcome = OutcomeError
		if svcErr, ok := keyid.IsServiceError(err); ok {
			attempt.ErrorKind = string(svcErr.Kind)
		}
		_ = a.store.RecordAttempt(attempt)
		a.obs.MarkVerify(ctx, OutcomeError, attempt.DurationMS)
		writeError(w, http.StatusBadGateway, "verification service unavailable")
		return
	}

	attempt.Matched = result.Matched
	attempt.IsReady = result.IsReady
	attempt.Confidence = result.Confidence
	attempt.Fidelity = result.Fidelity
	attempt.ErrorKind = string(result.Error)
	switch {
	// Matched wins over a recoverable error kind: passive login reports a
	// provisional match with the triggering condition still attached.
	case result.Matched:
		attempt.Outcome = OutcomeMatch
		a.lockout.RecordSuccess(req.EntityID)
	case result.Error != keyid.ErrNone:
		attempt.Outcome = OutcomeError
	default:
		attempt.Outcome = OutcomeNoMatch
		if a.lockout.RecordFailure(req.EntityID) {
			a.obs.MarkLockout(ctx)
			_ = a.store.AppendAudit(AuditEvent{
				Timestamp: nowRFC3339(),
				ActorType: "system",
				Action:    "entity.lockout",
				Result:    "locked",
				IPHash:    ipHash,
				UAHash:    uaHash,
				Detail:    req.EntityID,
			})
		}
	}
	_ = a.store.RecordAttempt(attempt)
	a.obs.MarkVerify(ctx, attempt.Outcome, attempt.DurationMS)

	writeJSON(w, http.StatusOK, VerifyResponse{
		AttemptID:  attemptID,
		EntityID:   req.EntityID,
		Matched:    result.Matched,
		IsReady:    result.IsReady,
		Confidence: result.Confidence,
		Fidelity:   result.Fidelity,
		Error:      result.Error,
	})
}

func (a *API) handleMistake(w http.ResponseWriter, r *http.Request) {
	var req MistakeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.EntityID = strings.TrimSpace(req.EntityID)
	if req.EntityID == "" || strings.TrimSpace(req.Mistype) == "" {
		writeError(w, http.StatusBadRequest, "entity_id and mistype are required")
		return
	}
	callCtx, cancel := withTimeout(r.Context(), time.Duration(a.cfg.KeyID.TimeoutSec)*time.Second)
	defer cancel()
	if _, err := a.client.LogTypingMistake(callCtx, req.EntityID, req.Mistype,
		req.SessionID, req.Source, req.Action, req.Template, req.Page); err != nil {
		writeError(w, http.StatusBadGateway, "mistake logging unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) handleEnroll(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("typeauth-api").Start(r.Context(), "typing.enroll")
	defer span.End()
	principal, _ := PrincipalFromContext(ctx)
	var req EnrollRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := a.enroller.CreateJob(JobKindEnroll, req.EntityID, req.Sample, req.SessionID, principal, "api.enroll")
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.JobID,
		"status": job.Status,
	})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}
	job, ok := a.store.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleJobEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}
	if _, ok := a.store.GetJob(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	cursor := parseCursor(r)
	send := func(events []JobEvent) {
		for _, event := range events {
			payload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				continue
			}
			fmt.Fprintf(w, "event: job_event\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			cursor = event.Seq
		}
		flusher.Flush()
	}
	send(a.store.ListJobEvents(id, cursor))

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events := a.store.ListJobEvents(id, cursor)
			if len(events) > 0 {
				send(events)
			} else {
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

func (a *API) handleAdminAttempts(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100, 1000)
	entity := strings.TrimSpace(r.URL.Query().Get("entity"))
	var attempts []AttemptRecord
	if entity != "" {
		attempts = a.store.ListAttemptsByEntity(entity, limit)
	} else {
		attempts = a.store.ListAttempts(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (a *API) handleAdminListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs": a.store.ListJobs(parseLimit(r, 100, 1000)),
	})
}

func (a *API) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"audit": a.store.ListAudit(parseLimit(r, 200, 2000)),
	})
}

func (a *API) handleAdminOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.GetMetricsOverview())
}

func (a *API) handleAdminProfileInfo(w http.ResponseWriter, r *http.Request) {
	entity := strings.TrimSpace(r.PathValue("entity"))
	if entity == "" {
		writeError(w, http.StatusBadRequest, "missing entity id")
		return
	}
	callCtx, cancel := withTimeout(r.Context(), time.Duration(a.cfg.KeyID.TimeoutSec)*time.Second)
	defer cancel()
	payload, err := a.client.GetProfileInfo(callCtx, entity)
	if err != nil {
		writeError(w, http.StatusBadGateway, "profile service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": entity,
		"profile":   payload,
	})
}

func (a *API) handleAdminProfileRemove(w http.ResponseWriter, r *http.Request) {
	entity := strings.TrimSpace(r.PathValue("entity"))
	if entity == "" {
		writeError(w, http.StatusBadRequest, "missing entity id")
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	// Removal may carry a sample when the token step wants one.
	var body struct {
		Sample    string `json:"sample"`
		SessionID string `json:"session_id"`
	}
	_ = decodeJSONBody(r, &body)
	job, err := a.enroller.CreateJob(JobKindRemove, entity, body.Sample, body.SessionID, principal, "admin.remove")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.JobID,
		"status": job.Status,
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorHashes(r *http.Request) (string, string) {
	ip, _, _ := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if ip == "" {
		ip = strings.TrimSpace(r.RemoteAddr)
	}
	return hashString(ip), hashString(r.UserAgent())
}
