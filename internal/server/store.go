package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type Store interface {
	RecordAttempt(record AttemptRecord) error
	ListAttempts(limit int) []AttemptRecord
	ListAttemptsByEntity(entityID string, limit int) []AttemptRecord
	CreateJob(job EnrollJob) error
	UpdateJob(jobID string, mutate func(*EnrollJob)) (EnrollJob, error)
	GetJob(jobID string) (EnrollJob, bool)
	ListJobs(limit int) []EnrollJob
	AppendJobEvent(jobID string, stage, message string, data map[string]any) (JobEvent, error)
	ListJobEvents(jobID string, sinceSeq int64) []JobEvent
	AppendAudit(event AuditEvent) error
	ListAudit(limit int) []AuditEvent
	GetMetricsOverview() MetricsOverview
}

// MemoryFileStore keeps everything in memory and optionally snapshots to a
// single JSON file. It is the development and single-node deployment store;
// PgStore is the production one.
type MemoryFileStore struct {
	mu       sync.RWMutex
	path     string
	attempts []AttemptRecord
	jobs     map[string]EnrollJob
	events   map[string][]JobEvent
	audit    []AuditEvent
	nextSeq  map[string]int64
}

func NewMemoryFileStore(path string) (*MemoryFileStore, error) {
	store := &MemoryFileStore{
		path:     path,
		attempts: []AttemptRecord{},
		jobs:     map[string]EnrollJob{},
		events:   map[string][]JobEvent{},
		audit:    []AuditEvent{},
		nextSeq:  map[string]int64{},
	}
	if strings.TrimSpace(path) == "" {
		return store, nil
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MemoryFileStore) RecordAttempt(record AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(record.CreatedAt) == "" {
		record.CreatedAt = nowRFC3339()
	}
	s.attempts = append(s.attempts, record)
	if len(s.attempts) > 20000 {
		s.attempts = s.attempts[len(s.attempts)-20000:]
	}
	return s.persistLocked()
}

func (s *MemoryFileStore) ListAttempts(limit int) []AttemptRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AttemptRecord, len(s.attempts))
	copy(out, s.attempts)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) ListAttemptsByEntity(entityID string, limit int) []AttemptRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AttemptRecord, 0)
	for _, record := range s.attempts {
		if record.EntityID == entityID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) CreateJob(job EnrollJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return fmt.Errorf("job %s already exists", job.JobID)
	}
	s.jobs[job.JobID] = job
	if _, ok := s.events[job.JobID]; !ok {
		s.events[job.JobID] = []JobEvent{}
	}
	if _, ok := s.nextSeq[job.JobID]; !ok {
		s.nextSeq[job.JobID] = 1
	}
	return s.persistLocked()
}

func (s *MemoryFileStore) UpdateJob(jobID string, mutate func(*EnrollJob)) (EnrollJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return EnrollJob{}, fmt.Errorf("job not found: %s", jobID)
	}
	if mutate != nil {
		mutate(&job)
	}
	s.jobs[jobID] = job
	if err := s.persistLocked(); err != nil {
		return EnrollJob{}, err
	}
	return job, nil
}

func (s *MemoryFileStore) GetJob(jobID string) (EnrollJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

func (s *MemoryFileStore) ListJobs(limit int) []EnrollJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EnrollJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) AppendJobEvent(jobID string, stage, message string, data map[string]any) (JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return JobEvent{}, fmt.Errorf("job not found: %s", jobID)
	}
	seq := s.nextSeq[jobID]
	if seq < 1 {
		seq = 1
	}
	event := JobEvent{
		Seq:       seq,
		Timestamp: nowRFC3339(),
		Stage:     stage,
		Message:   message,
		Data:      cloneMap(data),
	}
	s.nextSeq[jobID] = seq + 1
	s.events[jobID] = append(s.events[jobID], event)
	if err := s.persistLocked(); err != nil {
		return JobEvent{}, err
	}
	return event, nil
}

func (s *MemoryFileStore) ListJobEvents(jobID string, sinceSeq int64) []JobEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[jobID]
	if len(events) == 0 {
		return []JobEvent{}
	}
	out := make([]JobEvent, 0, len(events))
	for _, event := range events {
		if event.Seq > sinceSeq {
			out = append(out, event)
		}
	}
	return out
}

func (s *MemoryFileStore) AppendAudit(event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	s.audit = append(s.audit, event)
	if len(s.audit) > 5000 {
		s.audit = s.audit[len(s.audit)-5000:]
	}
	return s.persistLocked()
}

func (s *MemoryFileStore) ListAudit(limit int) []AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.audit) == 0 {
		return []AuditEvent{}
	}
	out := make([]AuditEvent, len(s.audit))
	copy(out, s.audit)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) GetMetricsOverview() MetricsOverview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	overview := MetricsOverview{
		GeneratedAt: nowRFC3339(),
	}
	var confidenceTotal, fidelityTotal float64
	scored := 0
	for _, record := range s.attempts {
		overview.TotalAttempts++
		switch record.Outcome {
		case OutcomeMatch:
			overview.MatchedAttempts++
		case OutcomeNoMatch:
			overview.RejectedAttempts++
		case OutcomeError:
			overview.ErrorAttempts++
		case OutcomeLockedOut:
			overview.LockedOutAttempts++
		}
		if record.Outcome == OutcomeMatch || record.Outcome == OutcomeNoMatch {
			confidenceTotal += record.Confidence
			fidelityTotal += record.Fidelity
			scored++
		}
	}
	for _, job := range s.jobs {
		overview.TotalJobs++
		switch job.Status {
		case JobStatusQueued, JobStatusRunning:
			overview.QueuedJobs++
		case JobStatusFailed:
			overview.FailedJobs++
		}
	}
	if scored > 0 {
		overview.AverageConfidence = confidenceTotal / float64(scored)
		overview.AverageFidelity = fidelityTotal / float64(scored)
	}
	return overview
}

func (s *MemoryFileStore) load() error {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store snapshot: %w", err)
	}
	var snapshot struct {
		Attempts []AttemptRecord       `json:"attempts"`
		Jobs     []EnrollJob           `json:"jobs"`
		Events   map[string][]JobEvent `json:"events"`
		Audit    []AuditEvent          `json:"audit"`
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode store snapshot: %w", err)
	}
	s.attempts = snapshot.Attempts
	if s.attempts == nil {
		s.attempts = []AttemptRecord{}
	}
	for _, job := range snapshot.Jobs {
		s.jobs[job.JobID] = job
	}
	for jobID, events := range snapshot.Events {
		s.events[jobID] = events
		maxSeq := int64(0)
		for _, event := range events {
			if event.Seq > maxSeq {
				maxSeq = event.Seq
			}
		}
		s.nextSeq[jobID] = maxSeq + 1
	}
	s.audit = snapshot.Audit
	return nil
}

func (s *MemoryFileStore) persistLocked() error {
	if strings.TrimSpace(s.path) == "" {
		return nil
	}
	jobs := make([]EnrollJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt < jobs[j].CreatedAt
	})
	snapshot := struct {
		Attempts []AttemptRecord       `json:"attempts"`
		Jobs     []EnrollJob           `json:"jobs"`
		Events   map[string][]JobEvent `json:"events"`
		Audit    []AuditEvent          `json:"audit"`
	}{
		Attempts: s.attempts,
		Jobs:     jobs,
		Events:   s.events,
		Audit:    s.audit,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write store temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace store snapshot: %w", err)
	}
	return nil
}

func cloneMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
