package server

import (
	"time"

	"typeauth/internal/keyid"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// VerifyRequest is a typing sample submitted for verification by an
// embedding application. SessionID is the caller's own correlation id and
// is passed through to the biometric service untouched.
type VerifyRequest struct {
	EntityID  string `json:"entity_id"`
	Sample    string `json:"sample"`
	SessionID string `json:"session_id,omitempty"`
}

// EnrollRequest queues a background profile save.
type EnrollRequest struct {
	EntityID  string `json:"entity_id"`
	Sample    string `json:"sample"`
	SessionID string `json:"session_id,omitempty"`
}

// MistakeRequest reports a typing mistake observed by the embedding
// application.
type MistakeRequest struct {
	EntityID  string `json:"entity_id"`
	Mistype   string `json:"mistype"`
	SessionID string `json:"session_id,omitempty"`
	Source    string `json:"source,omitempty"`
	Action    string `json:"action,omitempty"`
	Template  string `json:"template,omitempty"`
	Page      string `json:"page,omitempty"`
}

// VerifyResponse is what the verify endpoint hands back to the caller.
type VerifyResponse struct {
	AttemptID  string          `json:"attempt_id"`
	EntityID   string          `json:"entity_id"`
	Matched    bool            `json:"matched"`
	IsReady    bool            `json:"is_ready"`
	Confidence float64         `json:"confidence"`
	Fidelity   float64         `json:"fidelity"`
	Error      keyid.ErrorKind `json:"error,omitempty"`
}

// AttemptRecord is one verification outcome kept for audit and metrics.
type AttemptRecord struct {
	AttemptID  string  `json:"attempt_id"`
	EntityID   string  `json:"entity_id"`
	Kind       string  `json:"kind"`
	Outcome    string  `json:"outcome"`
	Matched    bool    `json:"matched"`
	IsReady    bool    `json:"is_ready"`
	Confidence float64 `json:"confidence"`
	Fidelity   float64 `json:"fidelity"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
	Source     string  `json:"source,omitempty"`
	IPHash     string  `json:"ip_hash,omitempty"`
	UAHash     string  `json:"ua_hash,omitempty"`
	DurationMS int64   `json:"duration_ms"`
	CreatedAt  string  `json:"created_at"`
}

const (
	OutcomeMatch       = "match"
	OutcomeNoMatch     = "no_match"
	OutcomeError       = "error"
	OutcomeRateLimited = "rate_limited"
	OutcomeLockedOut   = "locked_out"
)

// EnrollJob is a queued background profile operation: an enrollment save
// or a profile removal.
type EnrollJob struct {
	JobID      string        `json:"job_id"`
	EntityID   string        `json:"entity_id"`
	Kind       string        `json:"kind"`
	Status     string        `json:"status"`
	SessionID  string        `json:"session_id,omitempty"`
	CreatorSub string        `json:"creator_sub,omitempty"`
	Source     string        `json:"source"`
	Error      string        `json:"error,omitempty"`
	Result     keyid.Payload `json:"result,omitempty"`
	CreatedAt  string        `json:"created_at"`
	StartedAt  string        `json:"started_at,omitempty"`
	FinishedAt string        `json:"finished_at,omitempty"`
}

const (
	JobKindEnroll = "enroll"
	JobKindRemove = "remove"

	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

type JobEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	JobID     string `json:"job_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IPHash    string `json:"ip_hash,omitempty"`
	UAHash    string `json:"ua_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt       string  `json:"generated_at"`
	TotalAttempts     int     `json:"total_attempts"`
	MatchedAttempts   int     `json:"matched_attempts"`
	RejectedAttempts  int     `json:"rejected_attempts"`
	ErrorAttempts     int     `json:"error_attempts"`
	LockedOutAttempts int     `json:"locked_out_attempts"`
	TotalJobs         int     `json:"total_jobs"`
	QueuedJobs        int     `json:"queued_jobs"`
	FailedJobs        int     `json:"failed_jobs"`
	AverageConfidence float64 `json:"average_confidence"`
	AverageFidelity   float64 `json:"average_fidelity"`
}

type StoreSnapshot struct {
	Attempts []AttemptRecord `json:"attempts"`
	Jobs     []EnrollJob     `json:"jobs"`
	Events   []JobEvent      `json:"events"`
	Audit    []AuditEvent    `json:"audit"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
