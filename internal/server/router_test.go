package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"typeauth/internal/keyid"
)

type fakeClient struct {
	mu           sync.Mutex
	result       keyid.EvaluationResult
	err          error
	evalCalls    int
	passiveCalls int
	saved        []string
	removed      []string
	mistakes     int
}

func (f *fakeClient) SaveProfile(ctx context.Context, entityID, sample, sessionID string) (keyid.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, entityID)
	return keyid.Payload{"Error": ""}, nil
}

func (f *fakeClient) RemoveProfile(ctx context.Context, entityID, sample, sessionID string) (keyid.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, entityID)
	return keyid.Payload{"Error": ""}, nil
}

func (f *fakeClient) EvaluateProfile(ctx context.Context, entityID, sample, sessionID string) (keyid.EvaluationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalCalls++
	result := f.result
	result.EntityID = entityID
	return result, f.err
}

func (f *fakeClient) LoginPassiveEnrollment(ctx context.Context, entityID, sample, sessionID string) (keyid.EvaluationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passiveCalls++
	result := f.result
	result.EntityID = entityID
	return result, f.err
}

func (f *fakeClient) GetProfileInfo(ctx context.Context, entityID string) (keyid.Payload, error) {
	return keyid.Payload{"EntityID": entityID, "Samples": 12}, nil
}

func (f *fakeClient) LogTypingMistake(ctx context.Context, entityID, mistype, sessionID, source, action, template, page string) (keyid.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mistakes++
	return keyid.Payload{"Error": ""}, nil
}

func newTestAPI(t *testing.T, mutate func(*ServerConfig), client *fakeClient) (*httptest.Server, Store, *EnrollManager) {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Security.AdminToken = "secret-token"
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	auth := NewAuth(nil, store, cfg)
	manager := NewEnrollManager(cfg, store, client, nil)
	t.Cleanup(manager.Shutdown)
	api := NewAPI(cfg, auth, store, client, manager, NewEntityLockout(cfg.Limits), nil)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)
	return server, store, manager
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func TestRouterHealthz(t *testing.T) {
	server, _, _ := newTestAPI(t, nil, &fakeClient{})

	response, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
}

func TestVerifyMatchRecordsAttempt(t *testing.T) {
	client := &fakeClient{result: keyid.EvaluationResult{
		Matched: true, IsReady: true, Confidence: 91, Fidelity: 77,
	}}
	server, store, _ := newTestAPI(t, nil, client)

	resp := postJSON(t, server.URL+"/api/v1/typing/verify", VerifyRequest{
		EntityID: "alice", Sample: "ts-data", SessionID: "sess-1",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out VerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !out.Matched || out.Confidence != 91 {
		t.Fatalf("unexpected verify response: %+v", out)
	}
	attempts := store.ListAttempts(10)
	if len(attempts) != 1 || attempts[0].Outcome != OutcomeMatch {
		t.Fatalf("expected one matched attempt, got %+v", attempts)
	}
	if attempts[0].SessionID != "sess-1" {
		t.Fatalf("session id not recorded: %+v", attempts[0])
	}
	if client.evalCalls != 1 || client.passiveCalls != 0 {
		t.Fatalf("expected the evaluate path, got eval=%d passive=%d", client.evalCalls, client.passiveCalls)
	}
}

func TestVerifyPassiveEnrollmentMode(t *testing.T) {
	// A provisional passive-login match keeps the triggering condition
	// attached; it still counts as a match, not an error.
	client := &fakeClient{result: keyid.EvaluationResult{
		Matched: true, Confidence: 100, Fidelity: 100,
		Error: keyid.ErrEntityNotFound,
	}}
	server, store, _ := newTestAPI(t, func(cfg *ServerConfig) {
		cfg.KeyID.PassiveEnrollment = true
	}, client)

	resp := postJSON(t, server.URL+"/api/v1/typing/verify", VerifyRequest{
		EntityID: "alice", Sample: "ts-data",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if client.passiveCalls != 1 || client.evalCalls != 0 {
		t.Fatalf("expected the passive login path, got eval=%d passive=%d", client.evalCalls, client.passiveCalls)
	}
	attempts := store.ListAttempts(10)
	if len(attempts) != 1 || attempts[0].Outcome != OutcomeMatch {
		t.Fatalf("provisional match must record a match outcome, got %+v", attempts)
	}
}

func TestVerifyClassifiedErrorOutcome(t *testing.T) {
	client := &fakeClient{result: keyid.EvaluationResult{
		Error:        keyid.ErrEntityNotFound,
		ErrorMessage: "EntityID does not exist.",
	}}
	server, store, _ := newTestAPI(t, nil, client)

	resp := postJSON(t, server.URL+"/api/v1/typing/verify", VerifyRequest{
		EntityID: "ghost", Sample: "ts-data",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("classified conditions are not transport failures, got %d", resp.StatusCode)
	}
	var out VerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Matched || out.Error != keyid.ErrEntityNotFound {
		t.Fatalf("unexpected response: %+v", out)
	}
	attempts := store.ListAttempts(10)
	if len(attempts) != 1 || attempts[0].Outcome != OutcomeError {
		t.Fatalf("expected an error attempt, got %+v", attempts)
	}
}

func TestVerifyTransportErrorIsBadGateway(t *testing.T) {
	client := &fakeClient{err: &keyid.ServiceError{Kind: keyid.ErrTransport, StatusCode: 503, Message: "down"}}
	server, store, _ := newTestAPI(t, nil, client)

	resp := postJSON(t, server.URL+"/api/v1/typing/verify", VerifyRequest{
		EntityID: "alice", Sample: "ts-data",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	attempts := store.ListAttempts(10)
	if len(attempts) != 1 || attempts[0].ErrorKind != string(keyid.ErrTransport) {
		t.Fatalf("expected transport attempt record, got %+v", attempts)
	}
}

func TestVerifyLockoutAfterRepeatedFailures(t *testing.T) {
	client := &fakeClient{result: keyid.EvaluationResult{Matched: false, IsReady: true}}
	server, store, _ := newTestAPI(t, func(cfg *ServerConfig) {
		cfg.Limits.MaxFailures = 2
	}, client)

	for i := 0; i < 2; i++ {
		resp := postJSON(t, server.URL+"/api/v1/typing/verify", VerifyRequest{
			EntityID: "mallory", Sample: "ts-data",
		}, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i, resp.StatusCode)
		}
	}

	resp := postJSON(t, server.URL+"/api/v1/typing/verify", VerifyRequest{
		EntityID: "mallory", Sample: "ts-data",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusLocked {
		t.Fatalf("expected 423 after lockout, got %d", resp.StatusCode)
	}
	attempts := store.ListAttempts(10)
	lockedOut := 0
	for _, attempt := range attempts {
		if attempt.Outcome == OutcomeLockedOut {
			lockedOut++
		}
	}
	if len(attempts) != 3 || lockedOut != 1 {
		t.Fatalf("expected three attempts with one locked_out, got %+v", attempts)
	}
}

func TestVerifyRateLimit(t *testing.T) {
	client := &fakeClient{result: keyid.EvaluationResult{Matched: true}}
	server, _, _ := newTestAPI(t, func(cfg *ServerConfig) {
		cfg.Limits.VerifyRPM = 1
	}, client)

	first := postJSON(t, server.URL+"/api/v1/typing/verify", VerifyRequest{
		EntityID: "alice", Sample: "ts-data",
	}, nil)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.StatusCode)
	}
	second := postJSON(t, server.URL+"/api/v1/typing/verify", VerifyRequest{
		EntityID: "alice", Sample: "ts-data",
	}, nil)
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.StatusCode)
	}
}

func TestEnrollRequiresAuth(t *testing.T) {
	server, _, _ := newTestAPI(t, nil, &fakeClient{})

	resp := postJSON(t, server.URL+"/api/v1/typing/enroll", EnrollRequest{
		EntityID: "alice", Sample: "ts-data",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", resp.StatusCode)
	}
}

func TestEnrollJobLifecycle(t *testing.T) {
	client := &fakeClient{}
	server, store, _ := newTestAPI(t, nil, client)
	headers := map[string]string{"X-Admin-Token": "secret-token"}

	resp := postJSON(t, server.URL+"/api/v1/typing/enroll", EnrollRequest{
		EntityID: "alice", Sample: "ts-data", SessionID: "sess-2",
	}, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var accepted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode accept response: %v", err)
	}
	if accepted.JobID == "" || accepted.Status != JobStatusQueued {
		t.Fatalf("unexpected accept response: %+v", accepted)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		job, ok := store.GetJob(accepted.JobID)
		if ok && job.Status == JobStatusDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not complete, last state: %+v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}
	client.mu.Lock()
	saved := len(client.saved)
	client.mu.Unlock()
	if saved != 1 {
		t.Fatalf("expected one save call, got %d", saved)
	}
}

func TestAdminProfileRemoveQueuesJob(t *testing.T) {
	client := &fakeClient{}
	server, store, _ := newTestAPI(t, nil, client)

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/api/v1/admin/profiles/alice", nil)
	req.Header.Set("X-Admin-Token", "secret-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var accepted struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode accept response: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		job, ok := store.GetJob(accepted.JobID)
		if ok && job.Status == JobStatusDone {
			if job.Kind != JobKindRemove {
				t.Fatalf("expected a remove job, got %+v", job)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not complete, last state: %+v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMistakeEndpoint(t *testing.T) {
	client := &fakeClient{}
	server, _, _ := newTestAPI(t, nil, client)

	resp := postJSON(t, server.URL+"/api/v1/typing/mistake", MistakeRequest{
		EntityID: "alice", Mistype: "paswword",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if client.mistakes != 1 {
		t.Fatalf("expected one mistake call, got %d", client.mistakes)
	}
}

func TestAdminAttemptsFilterByEntity(t *testing.T) {
	client := &fakeClient{result: keyid.EvaluationResult{Matched: true}}
	server, store, _ := newTestAPI(t, nil, client)

	_ = store.RecordAttempt(AttemptRecord{AttemptID: "att_1", EntityID: "alice", Kind: "verify", Outcome: OutcomeMatch})
	_ = store.RecordAttempt(AttemptRecord{AttemptID: "att_2", EntityID: "bob", Kind: "verify", Outcome: OutcomeNoMatch})

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/v1/admin/attempts?entity=alice", nil)
	req.Header.Set("X-Admin-Token", "secret-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET attempts failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Attempts []AttemptRecord `json:"attempts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode attempts: %v", err)
	}
	if len(out.Attempts) != 1 || out.Attempts[0].EntityID != "alice" {
		t.Fatalf("expected only alice's attempts, got %+v", out.Attempts)
	}
}

func TestAdminProfileInfo(t *testing.T) {
	server, _, _ := newTestAPI(t, nil, &fakeClient{})

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/v1/admin/profiles/alice", nil)
	req.Header.Set("X-Admin-Token", "secret-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET profile failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		EntityID string        `json:"entity_id"`
		Profile  keyid.Payload `json:"profile"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if out.EntityID != "alice" || out.Profile.Float("Samples") != 12 {
		t.Fatalf("unexpected profile response: %+v", out)
	}
}
