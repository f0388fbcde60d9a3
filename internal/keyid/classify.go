package keyid

import (
	"encoding/json"
	"errors"
	"strings"
)

// Known service error vocabulary. The service signals conditions through
// free-text messages, so the exact wording is load-bearing and confined to
// this file.
const (
	msgEntityNotFound   = "EntityID does not exist."
	msgInsufficientData = "The profile has too little data for a valid evaluation."
	msgTooMuchVariance  = "The entry varied so much from the model, no evaluation is possible."
	msgTokenRequired    = "New enrollment code required."
)

// License failures can carry trailing detail, so they are matched by
// substring and checked before the exact vocabulary.
const licenseFragment = "license"

// Classify maps a raw gateway response to its payload and classified
// condition. A non-2xx status is a transport failure. A 2xx response with an
// empty or absent Error field is a success; anything else is matched against
// the known vocabulary.
func Classify(raw *RawResponse) (Payload, *ServiceError) {
	if raw == nil {
		return nil, &ServiceError{Kind: ErrTransport, Message: "empty response"}
	}
	if raw.StatusCode < 200 || raw.StatusCode >= 300 {
		return nil, &ServiceError{Kind: ErrTransport, StatusCode: raw.StatusCode, Message: string(raw.Body)}
	}
	var payload Payload
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		return nil, &ServiceError{Kind: ErrTransport, StatusCode: raw.StatusCode, Message: "undecodable response body"}
	}
	return payload, classifyPayload(payload)
}

// ClassifyElement is the variant for endpoints that wrap a single object in
// a one-element array (profile info). The element is unwrapped before the
// normal rules apply.
func ClassifyElement(raw *RawResponse) (Payload, *ServiceError) {
	if raw == nil {
		return nil, &ServiceError{Kind: ErrTransport, Message: "empty response"}
	}
	if raw.StatusCode < 200 || raw.StatusCode >= 300 {
		return nil, &ServiceError{Kind: ErrTransport, StatusCode: raw.StatusCode, Message: string(raw.Body)}
	}
	var elements []Payload
	if err := json.Unmarshal(raw.Body, &elements); err != nil {
		// Some deployments answer unwrapped; fall through to the plain rules.
		return Classify(raw)
	}
	if len(elements) == 0 {
		return Payload{}, nil
	}
	payload := elements[0]
	return payload, classifyPayload(payload)
}

func classifyPayload(payload Payload) *ServiceError {
	message := payload.String("Error")
	kind := KindForMessage(message)
	if kind == ErrNone {
		return nil
	}
	return &ServiceError{Kind: kind, Message: message}
}

// KindForMessage maps service error text to its kind. The license check runs
// first because license text can appear alongside other detail; the rest of
// the vocabulary is matched exactly.
func KindForMessage(message string) ErrorKind {
	if message == "" {
		return ErrNone
	}
	if strings.Contains(strings.ToLower(message), licenseFragment) {
		return ErrFatalLicense
	}
	switch message {
	case msgTokenRequired:
		return ErrTokenRequired
	case msgEntityNotFound:
		return ErrEntityNotFound
	case msgInsufficientData:
		return ErrInsufficientData
	case msgTooMuchVariance:
		return ErrTooMuchVariance
	}
	return ErrOther
}

// IsServiceError unwraps a *ServiceError from an error chain.
func IsServiceError(err error) (*ServiceError, bool) {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr, true
	}
	return nil, false
}
