package keyid

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Ticks in the service's fixed-point epoch: 100ns units since
// 0001-01-01T00:00:00.
const (
	epochOffsetTicks = 621355968000000000
	ticksPerMilli    = 10000
)

// Client orchestrates the profile workflows against the KeyID service.
// Settings are captured at construction; a Client is safe for concurrent use
// across entities because it holds no mutable state.
type Client struct {
	settings Settings
	service  *Service
}

func NewClient(settings Settings) *Client {
	if settings.ThresholdConfidence <= 0 {
		settings.ThresholdConfidence = 70
	}
	if settings.ThresholdFidelity <= 0 {
		settings.ThresholdFidelity = 50
	}
	return &Client{
		settings: settings,
		service:  NewService(settings),
	}
}

// Settings returns the immutable configuration snapshot.
func (c *Client) Settings() Settings {
	return c.settings
}

// SaveProfile creates or extends a profile. The first submit goes out
// without a token; if the service answers that an enrollment code is
// required, the token broker runs once and the submit is retried with the
// token attached. At most one retry, gated on that single condition.
func (c *Client) SaveProfile(ctx context.Context, entityID, sample, sessionID string) (Payload, error) {
	raw, err := c.service.SaveProfile(ctx, entityID, sample, "")
	if err != nil {
		return nil, err
	}
	payload, svcErr := Classify(raw)
	if svcErr == nil {
		return payload, nil
	}
	switch svcErr.Kind {
	case ErrTransport, ErrFatalLicense:
		return nil, svcErr
	case ErrTokenRequired:
		token, brokerPayload, err := c.acquireToken(ctx, entityID, ScopeSave, sample)
		if err != nil {
			return nil, err
		}
		if token == nil {
			// No token means the token step already settled the save.
			return brokerPayload, nil
		}
		retry, err := c.service.SaveProfile(ctx, entityID, sample, token.Value)
		if err != nil {
			return nil, err
		}
		retryPayload, retryErr := Classify(retry)
		if retryErr != nil && (retryErr.Kind == ErrTransport || retryErr.Kind == ErrFatalLicense) {
			return nil, retryErr
		}
		return retryPayload, nil
	default:
		// Any other condition is final; the payload carries the error text.
		return payload, nil
	}
}

// RemoveProfile deletes a profile. The removal call is issued if and only if
// the token step produced a usable token; otherwise the broker's result is
// the outcome and no second request is invented.
func (c *Client) RemoveProfile(ctx context.Context, entityID, sample, sessionID string) (Payload, error) {
	token, brokerPayload, err := c.acquireToken(ctx, entityID, ScopeRemove, sample)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return brokerPayload, nil
	}
	raw, err := c.service.RemoveProfile(ctx, entityID, token.Value)
	if err != nil {
		return nil, err
	}
	payload, svcErr := Classify(raw)
	if svcErr != nil && (svcErr.Kind == ErrTransport || svcErr.Kind == ErrFatalLicense) {
		return nil, svcErr
	}
	return payload, nil
}

// EvaluateProfile scores a typing sample against an existing profile. On a
// clean response the textual Match/IsReady booleans are normalized and the
// decision policy is applied; on any classified condition the result is
// returned with its error kind intact and the policy is skipped.
func (c *Client) EvaluateProfile(ctx context.Context, entityID, sample, sessionID string) (EvaluationResult, error) {
	result := EvaluationResult{EntityID: entityID}

	nonce, err := c.service.Nonce(ctx, DotNetTicks(time.Now()))
	if err != nil {
		return result, err
	}
	raw, err := c.service.EvaluateSample(ctx, entityID, sample, nonce)
	if err != nil {
		return result, err
	}
	payload, svcErr := Classify(raw)
	result.Raw = payload
	if svcErr != nil {
		if svcErr.Kind == ErrTransport || svcErr.Kind == ErrFatalLicense {
			return result, svcErr
		}
		result.Error = svcErr.Kind
		result.ErrorMessage = svcErr.Message
		return result, nil
	}

	result.Matched = AlphaToBool(payload.String("Match"))
	result.IsReady = AlphaToBool(payload.String("IsReady"))
	result.Confidence = payload.Float("Confidence")
	result.Fidelity = payload.Float("Fidelity")
	result.Matched = Decide(result.Matched, result.Confidence, result.Fidelity, c.settings)
	return result, nil
}

// LoginPassiveEnrollment evaluates a sample and, when the profile is missing
// or not yet authoritative, enrolls the sample in the background of the
// decision. The enrollment saves are strictly best-effort: their outcome is
// intentionally discarded and never masks the evaluation verdict.
func (c *Client) LoginPassiveEnrollment(ctx context.Context, entityID, sample, sessionID string) (EvaluationResult, error) {
	result, err := c.EvaluateProfile(ctx, entityID, sample, sessionID)
	if err != nil {
		return result, err
	}

	if result.Error.Recoverable() {
		// No usable profile yet: enroll and report a provisional match.
		c.bestEffortSave(ctx, entityID, sample, sessionID)
		result.Matched = true
		result.IsReady = false
		result.Confidence = 100
		result.Fidelity = 100
		return result, nil
	}

	if result.Error == ErrNone && !result.IsReady {
		// Profile exists but has too little data to be authoritative.
		c.bestEffortSave(ctx, entityID, sample, sessionID)
		result.Matched = true
		return result, nil
	}

	return result, nil
}

// GetProfileInfo reads profile metadata. The service array-wraps the
// response; the unwrapping classifier variant applies the usual rules.
func (c *Client) GetProfileInfo(ctx context.Context, entityID string) (Payload, error) {
	raw, err := c.service.ProfileInfo(ctx, entityID)
	if err != nil {
		return nil, err
	}
	payload, svcErr := ClassifyElement(raw)
	if svcErr != nil && (svcErr.Kind == ErrTransport || svcErr.Kind == ErrFatalLicense) {
		return nil, svcErr
	}
	return payload, nil
}

// LogTypingMistake reports a typing mistake for the entity's session.
func (c *Client) LogTypingMistake(ctx context.Context, entityID, mistype, sessionID, source, action, template, page string) (Payload, error) {
	raw, err := c.service.TypingMistake(ctx, entityID, mistype, sessionID, source, action, template, page)
	if err != nil {
		return nil, err
	}
	payload, svcErr := Classify(raw)
	if svcErr != nil && (svcErr.Kind == ErrTransport || svcErr.Kind == ErrFatalLicense) {
		return nil, svcErr
	}
	return payload, nil
}

// bestEffortSave attempts an enrollment save and ignores the outcome.
func (c *Client) bestEffortSave(ctx context.Context, entityID, sample, sessionID string) {
	if _, err := c.SaveProfile(ctx, entityID, sample, sessionID); err != nil {
		slog.Debug("passive enrollment save failed", "entity", entityID, "error", err)
	}
}

// Decide applies the match policy: passive validation forces a match,
// otherwise custom thresholds replace the service verdict, otherwise the
// service verdict stands. Boundary equality counts as matched.
func Decide(matched bool, confidence, fidelity float64, settings Settings) bool {
	if settings.PassiveValidation {
		return true
	}
	if settings.CustomThreshold {
		return confidence >= settings.ThresholdConfidence && fidelity >= settings.ThresholdFidelity
	}
	return matched
}

// AlphaToBool normalizes the service's case-insensitive textual booleans.
// Anything other than "true" (in any casing) is false.
func AlphaToBool(input string) bool {
	return strings.EqualFold(strings.TrimSpace(input), "true")
}

// DotNetTicks converts a time to the service's tick epoch: 100-nanosecond
// units since 0001-01-01T00:00:00.
func DotNetTicks(t time.Time) int64 {
	return t.UnixMilli()*ticksPerMilli + epochOffsetTicks
}
