package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"typeauth/internal/keyid"
)

// ProfileClient is the slice of the biometric client the server uses.
// *keyid.Client satisfies it; tests swap in a fake.
type ProfileClient interface {
	SaveProfile(ctx context.Context, entityID, sample, sessionID string) (keyid.Payload, error)
	RemoveProfile(ctx context.Context, entityID, sample, sessionID string) (keyid.Payload, error)
	EvaluateProfile(ctx context.Context, entityID, sample, sessionID string) (keyid.EvaluationResult, error)
	LoginPassiveEnrollment(ctx context.Context, entityID, sample, sessionID string) (keyid.EvaluationResult, error)
	GetProfileInfo(ctx context.Context, entityID string) (keyid.Payload, error)
	LogTypingMistake(ctx context.Context, entityID, mistype, sessionID, source, action, template, page string) (keyid.Payload, error)
}

var _ ProfileClient = (*keyid.Client)(nil)

// EnrollManager runs profile saves and removals on a bounded worker pool
// so slow upstream calls never block the request path.
type EnrollManager struct {
	cfg    ServerConfig
	store  Store
	client ProfileClient
	obs    *Observability
	queue  chan queuedJob
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type EnrollerService interface {
	CreateJob(kind, entityID, sample, sessionID string, principal Principal, source string) (EnrollJob, error)
}

type queuedJob struct {
	JobID     string
	Kind      string
	EntityID  string
	Sample    string
	SessionID string
}

func NewEnrollManager(cfg ServerConfig, store Store, client ProfileClient, obs *Observability) *EnrollManager {
	workers := cfg.KeyID.Workers
	if workers <= 0 {
		workers = 2
	}
	depth := cfg.KeyID.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	manager := &EnrollManager{
		cfg:    cfg,
		store:  store,
		client: client,
		obs:    obs,
		queue:  make(chan queuedJob, depth),
	}
	for i := 0; i < workers; i++ {
		manager.wg.Add(1)
		go func() {
			defer manager.wg.Done()
			manager.worker()
		}()
	}
	return manager
}

// Shutdown closes the queue and waits for in-flight jobs. Safe to call
// more than once; CreateJob rejects work after the first call.
func (m *EnrollManager) Shutdown() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *EnrollManager) enqueue(item queuedJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("enrollment manager is shut down")
	}
	select {
	case m.queue <- item:
		return nil
	default:
		return errors.New("job queue is full")
	}
}

func (m *EnrollManager) CreateJob(kind, entityID, sample, sessionID string, principal Principal, source string) (EnrollJob, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind != JobKindEnroll && kind != JobKindRemove {
		return EnrollJob{}, errors.New("unsupported job kind")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return EnrollJob{}, errors.New("entity_id is required")
	}
	if kind == JobKindEnroll && strings.TrimSpace(sample) == "" {
		return EnrollJob{}, errors.New("sample is required")
	}
	jobID, err := randomID("job")
	if err != nil {
		return EnrollJob{}, err
	}
	job := EnrollJob{
		JobID:      jobID,
		EntityID:   entityID,
		Kind:       kind,
		Status:     JobStatusQueued,
		SessionID:  sessionID,
		CreatorSub: principal.Subject,
		Source:     source,
		CreatedAt:  nowRFC3339(),
	}
	if err := m.store.CreateJob(job); err != nil {
		return EnrollJob{}, err
	}
	_, _ = m.store.AppendJobEvent(jobID, "queue", "job queued", map[string]any{
		"kind":   kind,
		"source": source,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		JobID:     jobID,
		ActorType: string(principal.Role),
		ActorSub:  principal.Subject,
		Action:    "profile." + kind,
		Result:    JobStatusQueued,
		Detail:    entityID,
	})
	if err := m.enqueue(queuedJob{JobID: jobID, Kind: kind, EntityID: entityID, Sample: sample, SessionID: sessionID}); err != nil {
		_, _ = m.store.UpdateJob(jobID, func(j *EnrollJob) {
			j.Status = JobStatusFailed
			j.Error = err.Error()
			j.FinishedAt = nowRFC3339()
		})
		return EnrollJob{}, err
	}
	if m.obs != nil {
		m.obs.MarkJob(context.Background(), kind, JobStatusQueued)
	}
	return job, nil
}

func (m *EnrollManager) worker() {
	for queued := range m.queue {
		m.executeJob(queued)
	}
}

func (m *EnrollManager) executeJob(queued queuedJob) {
	_, _ = m.store.UpdateJob(queued.JobID, func(j *EnrollJob) {
		j.Status = JobStatusRunning
		j.StartedAt = nowRFC3339()
	})
	_, _ = m.store.AppendJobEvent(queued.JobID, "start", "job started", nil)

	timeout := time.Duration(m.cfg.KeyID.TimeoutSec) * time.Second
	// Three upstream round trips worst case: challenge, confirm, retry.
	ctx, cancel := withTimeout(context.Background(), 3*timeout)
	defer cancel()

	var payload keyid.Payload
	var err error
	switch queued.Kind {
	case JobKindRemove:
		payload, err = m.client.RemoveProfile(ctx, queued.EntityID, queued.Sample, queued.SessionID)
	default:
		payload, err = m.client.SaveProfile(ctx, queued.EntityID, queued.Sample, queued.SessionID)
	}

	status := JobStatusDone
	errText := ""
	if err != nil {
		status = JobStatusFailed
		errText = err.Error()
	} else if msg := payload.String("Error"); strings.TrimSpace(msg) != "" {
		status = JobStatusFailed
		errText = msg
	}

	_, _ = m.store.UpdateJob(queued.JobID, func(j *EnrollJob) {
		j.Status = status
		j.Error = errText
		j.Result = payload
		j.FinishedAt = nowRFC3339()
	})
	_, _ = m.store.AppendJobEvent(queued.JobID, "completed", "job completed", map[string]any{
		"status": status,
		"error":  errText,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		JobID:     queued.JobID,
		ActorType: "system",
		Action:    "profile." + queued.Kind + ".completed",
		Result:    status,
		Detail:    queued.EntityID,
	})
	if m.obs != nil {
		m.obs.MarkJob(ctx, queued.Kind, status)
	}
}

func randomID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

type ipRateLimiter struct {
	mu      sync.Mutex
	rpm     int
	records map[string][]time.Time
}

func newIPRateLimiter(rpm int) *ipRateLimiter {
	if rpm <= 0 {
		rpm = 30
	}
	return &ipRateLimiter{
		rpm:     rpm,
		records: map[string][]time.Time{},
	}
}

func (l *ipRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	items := l.records[key]
	items = filterRecentTime(items, cutoff)
	if len(items) >= l.rpm {
		l.records[key] = items
		return false
	}
	items = append(items, now)
	l.records[key] = items
	return true
}

func hashString(input string) string {
	sum := sha256Sum(input)
	return sum[:16]
}

func sha256Sum(input string) string {
	hash := sha256.New()
	_, _ = hash.Write([]byte(input))
	return hex.EncodeToString(hash.Sum(nil))
}
