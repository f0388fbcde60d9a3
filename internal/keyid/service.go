package keyid

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Service is the REST gateway to the KeyID service. It owns request
// encoding and the shared HTTP connection; all branching lives in Client.
//
// The service speaks an unusual dialect: POST bodies are a single form field
// holding a JSON object wrapped in `=[...]`, with every property value
// URL-encoded and the license key injected server-side style into each call.
type Service struct {
	baseURL string
	license string
	client  *http.Client
}

// RawResponse is the untyped result of one gateway call.
type RawResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

func NewService(settings Settings) *Service {
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	base := http.DefaultTransport
	if !settings.StrictSSL {
		base = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Service{
		baseURL: strings.TrimRight(settings.URL, "/"),
		license: settings.License,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(base),
		},
	}
}

// Nonce retrieves an evaluation challenge for the given tick-encoded time.
// The service returns the nonce as the raw response body.
func (s *Service) Nonce(ctx context.Context, nonceTime int64) (string, error) {
	raw, err := s.get(ctx, "/token/"+strconv.FormatInt(nonceTime, 10), map[string]string{
		"type": "nonce",
	})
	if err != nil {
		return "", err
	}
	if raw.StatusCode < 200 || raw.StatusCode >= 300 {
		return "", &ServiceError{Kind: ErrTransport, StatusCode: raw.StatusCode, Message: string(raw.Body)}
	}
	return string(raw.Body), nil
}

// TokenChallenge retrieves the raw challenge value that must be exchanged
// for a usable save/remove token.
func (s *Service) TokenChallenge(ctx context.Context, entityID string, scope Scope) (string, error) {
	raw, err := s.get(ctx, "/token/"+url.PathEscape(entityID), map[string]string{
		"Type":   scope.wireType(),
		"Return": "value",
	})
	if err != nil {
		return "", err
	}
	if raw.StatusCode < 200 || raw.StatusCode >= 300 {
		return "", &ServiceError{Kind: ErrTransport, StatusCode: raw.StatusCode, Message: string(raw.Body)}
	}
	return string(raw.Body), nil
}

// TokenConfirm exchanges a challenge for a usable token. The typing sample
// rides along so the service can validate authorization.
func (s *Service) TokenConfirm(ctx context.Context, entityID, challenge string, scope Scope, sample string) (*RawResponse, error) {
	return s.post(ctx, "/token", map[string]string{
		"EntityID":         entityID,
		"Token":            challenge,
		"ReturnToken":      "True",
		"ReturnValidation": sample,
		"Type":             scope.wireType(),
		"Return":           "JSON",
	})
}

// SaveProfile creates or extends a profile. The save code is attached only
// when it is non-empty.
func (s *Service) SaveProfile(ctx context.Context, entityID, sample, code string) (*RawResponse, error) {
	fields := map[string]string{
		"EntityID":   entityID,
		"tsData":     sample,
		"Return":     "JSON",
		"Action":     "v2",
		"Statistics": "extended",
	}
	if code != "" {
		fields["Code"] = code
	}
	return s.post(ctx, "/profile", fields)
}

// EvaluateSample scores a typing sample against an existing profile.
func (s *Service) EvaluateSample(ctx context.Context, entityID, sample, nonce string) (*RawResponse, error) {
	return s.post(ctx, "/evaluate", map[string]string{
		"EntityID":   entityID,
		"tsData":     sample,
		"Nonce":      nonce,
		"Return":     "JSON",
		"Statistics": "extended",
	})
}

// RemoveProfile deletes a profile using a removal token.
func (s *Service) RemoveProfile(ctx context.Context, entityID, token string) (*RawResponse, error) {
	return s.post(ctx, "/profile", map[string]string{
		"EntityID": entityID,
		"Code":     token,
		"Action":   "remove",
		"Return":   "JSON",
	})
}

// ProfileInfo reads profile metadata. The service wraps the object in a
// one-element array.
func (s *Service) ProfileInfo(ctx context.Context, entityID string) (*RawResponse, error) {
	return s.get(ctx, "/profile/"+url.PathEscape(entityID), nil)
}

// TypingMistake logs a typing mistake for analytics. Fire-and-forget from
// the caller's point of view; the response is still classified.
func (s *Service) TypingMistake(ctx context.Context, entityID, mistype, sessionID, source, action, template, page string) (*RawResponse, error) {
	return s.post(ctx, "/typingmistake", map[string]string{
		"EntityID":  entityID,
		"Mistype":   mistype,
		"SessionID": sessionID,
		"Source":    source,
		"Action":    action,
		"Template":  template,
		"Page":      page,
	})
}

func (s *Service) post(ctx context.Context, path string, fields map[string]string) (*RawResponse, error) {
	encoded := make(map[string]string, len(fields)+1)
	for key, value := range fields {
		encoded[key] = url.QueryEscape(value)
	}
	encoded["License"] = url.QueryEscape(s.license)

	body, err := json.Marshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	payload := "=[" + string(body) + "]"

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(request)
}

func (s *Service) get(ctx context.Context, path string, params map[string]string) (*RawResponse, error) {
	target := s.baseURL + path
	if len(params) > 0 {
		query := url.Values{}
		for key, value := range params {
			query.Set(key, value)
		}
		target += "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return s.do(request)
}

func (s *Service) do(request *http.Request) (*RawResponse, error) {
	start := time.Now()
	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(response.Body)
	raw := &RawResponse{
		StatusCode: response.StatusCode,
		Headers:    response.Header.Clone(),
		Body:       body,
		Duration:   time.Since(start),
	}
	if readErr != nil {
		return raw, fmt.Errorf("read response body: %w", readErr)
	}
	return raw, nil
}
