package server

import (
	"path/filepath"
	"testing"
)

func TestMemoryStoreJobLifecycle(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	job := EnrollJob{
		JobID:     "job_test_1",
		EntityID:  "alice",
		Kind:      JobKindEnroll,
		Status:    JobStatusQueued,
		Source:    "test",
		CreatedAt: nowRFC3339(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	event, err := store.AppendJobEvent(job.JobID, "queue", "queued", nil)
	if err != nil {
		t.Fatalf("AppendJobEvent error: %v", err)
	}
	if event.Seq != 1 {
		t.Fatalf("expected first seq=1, got %d", event.Seq)
	}
	updated, err := store.UpdateJob(job.JobID, func(item *EnrollJob) {
		item.Status = JobStatusRunning
	})
	if err != nil {
		t.Fatalf("UpdateJob error: %v", err)
	}
	if updated.Status != JobStatusRunning {
		t.Fatalf("expected status running, got %s", updated.Status)
	}
	if err := store.CreateJob(job); err == nil {
		t.Fatal("duplicate job id must be rejected")
	}
}

func TestMemoryStoreAttemptsByEntity(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	records := []AttemptRecord{
		{AttemptID: "att_1", EntityID: "alice", Kind: "verify", Outcome: OutcomeMatch, Confidence: 90, Fidelity: 80},
		{AttemptID: "att_2", EntityID: "alice", Kind: "verify", Outcome: OutcomeNoMatch, Confidence: 40, Fidelity: 30},
		{AttemptID: "att_3", EntityID: "bob", Kind: "verify", Outcome: OutcomeError, ErrorKind: "entity_not_found"},
	}
	for _, record := range records {
		if err := store.RecordAttempt(record); err != nil {
			t.Fatalf("RecordAttempt error: %v", err)
		}
	}
	alice := store.ListAttemptsByEntity("alice", 10)
	if len(alice) != 2 {
		t.Fatalf("expected 2 attempts for alice, got %d", len(alice))
	}
	all := store.ListAttempts(2)
	if len(all) != 2 {
		t.Fatalf("limit not applied, got %d", len(all))
	}
}

func TestMemoryStoreMetricsOverview(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	_ = store.RecordAttempt(AttemptRecord{AttemptID: "att_1", EntityID: "alice", Outcome: OutcomeMatch, Confidence: 90, Fidelity: 70})
	_ = store.RecordAttempt(AttemptRecord{AttemptID: "att_2", EntityID: "alice", Outcome: OutcomeNoMatch, Confidence: 50, Fidelity: 30})
	_ = store.RecordAttempt(AttemptRecord{AttemptID: "att_3", EntityID: "bob", Outcome: OutcomeError})
	_ = store.CreateJob(EnrollJob{JobID: "job_1", EntityID: "alice", Kind: JobKindEnroll, Status: JobStatusQueued, CreatedAt: nowRFC3339()})
	_ = store.CreateJob(EnrollJob{JobID: "job_2", EntityID: "bob", Kind: JobKindRemove, Status: JobStatusFailed, CreatedAt: nowRFC3339()})

	overview := store.GetMetricsOverview()
	if overview.TotalAttempts != 3 || overview.MatchedAttempts != 1 || overview.RejectedAttempts != 1 || overview.ErrorAttempts != 1 {
		t.Fatalf("unexpected attempt counts: %+v", overview)
	}
	if overview.TotalJobs != 2 || overview.QueuedJobs != 1 || overview.FailedJobs != 1 {
		t.Fatalf("unexpected job counts: %+v", overview)
	}
	// Averages only cover scored attempts, not errors.
	if overview.AverageConfidence != 70 || overview.AverageFidelity != 50 {
		t.Fatalf("unexpected averages: %+v", overview)
	}
}

func TestMemoryStorePersistReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewMemoryFileStore(path)
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	job := EnrollJob{JobID: "job_persist", EntityID: "alice", Kind: JobKindEnroll, Status: JobStatusDone, CreatedAt: nowRFC3339()}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	if _, err := store.AppendJobEvent(job.JobID, "completed", "done", nil); err != nil {
		t.Fatalf("AppendJobEvent error: %v", err)
	}
	if err := store.RecordAttempt(AttemptRecord{AttemptID: "att_p", EntityID: "alice", Outcome: OutcomeMatch}); err != nil {
		t.Fatalf("RecordAttempt error: %v", err)
	}

	reloaded, err := NewMemoryFileStore(path)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	got, ok := reloaded.GetJob("job_persist")
	if !ok || got.Status != JobStatusDone {
		t.Fatalf("job not reloaded: %+v", got)
	}
	// Sequence must resume after the last persisted event.
	event, err := reloaded.AppendJobEvent("job_persist", "note", "after reload", nil)
	if err != nil {
		t.Fatalf("AppendJobEvent after reload: %v", err)
	}
	if event.Seq != 2 {
		t.Fatalf("expected seq=2 after reload, got %d", event.Seq)
	}
	if len(reloaded.ListAttempts(10)) != 1 {
		t.Fatalf("attempts not reloaded")
	}
}
