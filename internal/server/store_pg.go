package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"typeauth/internal/keyid"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) RecordAttempt(record AttemptRecord) error {
	if strings.TrimSpace(record.CreatedAt) == "" {
		record.CreatedAt = nowRFC3339()
	}
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO attempts (attempt_id,entity_id,kind,outcome,matched,is_ready,confidence,fidelity,
		        error_kind,session_id,source,ip_hash,ua_hash,duration_ms,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		record.AttemptID, record.EntityID, record.Kind, record.Outcome, record.Matched, record.IsReady,
		record.Confidence, record.Fidelity, nullStr(record.ErrorKind), nullStr(record.SessionID),
		nullStr(record.Source), nullStr(record.IPHash), nullStr(record.UAHash), record.DurationMS, record.CreatedAt)
	return err
}

func (s *PgStore) ListAttempts(limit int) []AttemptRecord {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(context.Background(),
		attemptColumns+` FROM attempts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return []AttemptRecord{}
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func (s *PgStore) ListAttemptsByEntity(entityID string, limit int) []AttemptRecord {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(context.Background(),
		attemptColumns+` FROM attempts WHERE entity_id=$1 ORDER BY created_at DESC LIMIT $2`, entityID, limit)
	if err != nil {
		return []AttemptRecord{}
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func (s *PgStore) CreateJob(job EnrollJob) error {
	var resultJSON []byte
	if job.Result != nil {
		resultJSON, _ = json.Marshal(job.Result)
	}
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO enroll_jobs (job_id,entity_id,kind,status,session_id,creator_sub,source,error,result,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		job.JobID, job.EntityID, job.Kind, job.Status, nullStr(job.SessionID),
		nullStr(job.CreatorSub), job.Source, nullStr(job.Error), resultJSON, job.CreatedAt)
	return err
}

func (s *PgStore) UpdateJob(jobID string, mutate func(*EnrollJob)) (EnrollJob, error) {
	tx, err := s.pool.Begin(context.Background())
	if err != nil {
		return EnrollJob{}, err
	}
	defer tx.Rollback(context.Background())

	row := tx.QueryRow(context.Background(),
		jobColumns+` FROM enroll_jobs WHERE job_id=$1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return EnrollJob{}, fmt.Errorf("job not found: %s", jobID)
	}
	if mutate != nil {
		mutate(&job)
	}
	var resultJSON []byte
	if job.Result != nil {
		resultJSON, _ = json.Marshal(job.Result)
	}
	_, err = tx.Exec(context.Background(),
		`UPDATE enroll_jobs SET status=$1,error=$2,result=$3,started_at=$4,finished_at=$5 WHERE job_id=$6`,
		job.Status, nullStr(job.Error), resultJSON, nullStr(job.StartedAt), nullStr(job.FinishedAt), jobID)
	if err != nil {
		return EnrollJob{}, err
	}
	return job, tx.Commit(context.Background())
}

func (s *PgStore) GetJob(jobID string) (EnrollJob, bool) {
	row := s.pool.QueryRow(context.Background(),
		jobColumns+` FROM enroll_jobs WHERE job_id=$1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return EnrollJob{}, false
	}
	return job, true
}

func (s *PgStore) ListJobs(limit int) []EnrollJob {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(context.Background(),
		jobColumns+` FROM enroll_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return []EnrollJob{}
	}
	defer rows.Close()
	var out []EnrollJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	if out == nil {
		return []EnrollJob{}
	}
	return out
}

func (s *PgStore) AppendJobEvent(jobID string, stage, message string, data map[string]any) (JobEvent, error) {
	var dataJSON []byte
	if data != nil {
		dataJSON, _ = json.Marshal(data)
	}
	var seq int64
	var ts time.Time
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO enroll_events (job_id, seq, stage, message, data)
		 VALUES ($1, COALESCE((SELECT MAX(seq) FROM enroll_events WHERE job_id=$1),0)+1, $2, $3, $4)
		 RETURNING seq, timestamp`, jobID, stage, message, dataJSON).Scan(&seq, &ts)
	if err != nil {
		return JobEvent{}, err
	}
	return JobEvent{
		Seq:       seq,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Stage:     stage,
		Message:   message,
		Data:      data,
	}, nil
}

func (s *PgStore) ListJobEvents(jobID string, sinceSeq int64) []JobEvent {
	rows, err := s.pool.Query(context.Background(),
		`SELECT seq, timestamp, stage, message, data
		 FROM enroll_events WHERE job_id=$1 AND seq>$2 ORDER BY seq`, jobID, sinceSeq)
	if err != nil {
		return []JobEvent{}
	}
	defer rows.Close()
	var out []JobEvent
	for rows.Next() {
		var e JobEvent
		var ts time.Time
		var dataJSON []byte
		if err := rows.Scan(&e.Seq, &ts, &e.Stage, &e.Message, &dataJSON); err != nil {
			continue
		}
		e.Timestamp = ts.UTC().Format(time.RFC3339)
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		out = append(out, e)
	}
	if out == nil {
		return []JobEvent{}
	}
	return out
}

func (s *PgStore) AppendAudit(event AuditEvent) error {
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO audit_events (timestamp,job_id,actor_type,actor_sub,action,result,ip_hash,ua_hash,detail)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.Timestamp, nullStr(event.JobID), event.ActorType, nullStr(event.ActorSub),
		event.Action, event.Result, nullStr(event.IPHash), nullStr(event.UAHash), nullStr(event.Detail))
	return err
}

func (s *PgStore) ListAudit(limit int) []AuditEvent {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT timestamp,job_id,actor_type,actor_sub,action,result,ip_hash,ua_hash,detail
		 FROM audit_events ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return []AuditEvent{}
	}
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var a AuditEvent
		var ts time.Time
		var jobID, actorSub, ipHash, uaHash, detail *string
		if err := rows.Scan(&ts, &jobID, &a.ActorType, &actorSub, &a.Action, &a.Result, &ipHash, &uaHash, &detail); err != nil {
			continue
		}
		a.Timestamp = ts.UTC().Format(time.RFC3339)
		a.JobID = deref(jobID)
		a.ActorSub = deref(actorSub)
		a.IPHash = deref(ipHash)
		a.UAHash = deref(uaHash)
		a.Detail = deref(detail)
		out = append(out, a)
	}
	if out == nil {
		return []AuditEvent{}
	}
	return out
}

func (s *PgStore) GetMetricsOverview() MetricsOverview {
	overview := MetricsOverview{GeneratedAt: nowRFC3339()}
	_ = s.pool.QueryRow(context.Background(),
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE outcome='match'),
			COUNT(*) FILTER (WHERE outcome='no_match'),
			COUNT(*) FILTER (WHERE outcome='error'),
			COUNT(*) FILTER (WHERE outcome='locked_out'),
			COALESCE(AVG(confidence) FILTER (WHERE outcome IN ('match','no_match')),0),
			COALESCE(AVG(fidelity) FILTER (WHERE outcome IN ('match','no_match')),0)
		 FROM attempts`).Scan(
		&overview.TotalAttempts, &overview.MatchedAttempts, &overview.RejectedAttempts,
		&overview.ErrorAttempts, &overview.LockedOutAttempts,
		&overview.AverageConfidence, &overview.AverageFidelity)
	_ = s.pool.QueryRow(context.Background(),
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('queued','running')),
			COUNT(*) FILTER (WHERE status='failed')
		 FROM enroll_jobs`).Scan(
		&overview.TotalJobs, &overview.QueuedJobs, &overview.FailedJobs)
	return overview
}

// --- helpers ---

const attemptColumns = `SELECT attempt_id,entity_id,kind,outcome,matched,is_ready,confidence,fidelity,
	error_kind,session_id,source,ip_hash,ua_hash,duration_ms,created_at`

const jobColumns = `SELECT job_id,entity_id,kind,status,session_id,creator_sub,source,error,result,
	created_at,started_at,finished_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanAttempts(rows interface {
	Next() bool
	Scan(dest ...any) error
}) []AttemptRecord {
	var out []AttemptRecord
	for rows.Next() {
		var a AttemptRecord
		var ts time.Time
		var errorKind, sessionID, source, ipHash, uaHash *string
		if err := rows.Scan(&a.AttemptID, &a.EntityID, &a.Kind, &a.Outcome, &a.Matched, &a.IsReady,
			&a.Confidence, &a.Fidelity, &errorKind, &sessionID, &source, &ipHash, &uaHash,
			&a.DurationMS, &ts); err != nil {
			continue
		}
		a.CreatedAt = ts.UTC().Format(time.RFC3339)
		a.ErrorKind = deref(errorKind)
		a.SessionID = deref(sessionID)
		a.Source = deref(source)
		a.IPHash = deref(ipHash)
		a.UAHash = deref(uaHash)
		out = append(out, a)
	}
	if out == nil {
		return []AttemptRecord{}
	}
	return out
}

func scanJob(row scannable) (EnrollJob, error) {
	var j EnrollJob
	var resultJSON []byte
	var sessionID, creatorSub, errStr, startedAt, finishedAt *string
	var createdAt time.Time
	err := row.Scan(&j.JobID, &j.EntityID, &j.Kind, &j.Status, &sessionID, &creatorSub,
		&j.Source, &errStr, &resultJSON, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return EnrollJob{}, err
	}
	j.SessionID = deref(sessionID)
	j.CreatorSub = deref(creatorSub)
	j.Error = deref(errStr)
	j.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	j.StartedAt = deref(startedAt)
	j.FinishedAt = deref(finishedAt)
	if len(resultJSON) > 0 {
		var payload keyid.Payload
		if json.Unmarshal(resultJSON, &payload) == nil {
			j.Result = payload
		}
	}
	return j, nil
}

func nullStr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Ensure PgStore implements Store at compile time.
var _ Store = (*PgStore)(nil)
