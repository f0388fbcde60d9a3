package keyid

import "context"

// acquireToken runs the two-step token protocol: fetch a challenge for the
// entity and scope, then confirm it together with the typing sample.
//
// A confirmation response without a Token field is a valid terminal state,
// not a failure: the service either finished the operation inside the token
// step or rejected it, and the classified payload says which. The payload is
// returned alongside the token so callers can surface it when no token was
// produced.
func (c *Client) acquireToken(ctx context.Context, entityID string, scope Scope, sample string) (*Token, Payload, error) {
	challenge, err := c.service.TokenChallenge(ctx, entityID, scope)
	if err != nil {
		return nil, nil, err
	}

	raw, err := c.service.TokenConfirm(ctx, entityID, challenge, scope, sample)
	if err != nil {
		return nil, nil, err
	}
	payload, svcErr := Classify(raw)
	if svcErr != nil {
		if svcErr.Kind == ErrTransport || svcErr.Kind == ErrFatalLicense {
			return nil, nil, svcErr
		}
		// Recoverable or unrecognized condition: no token, payload carries it.
		return nil, payload, nil
	}

	value := payload.String("Token")
	if value == "" {
		return nil, payload, nil
	}
	return &Token{Value: value, Scope: scope, EntityID: entityID}, payload, nil
}
