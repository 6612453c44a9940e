package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownEvent     = errors.New("unrecognized event type")
	ErrNoInstruments    = errors.New("no tradable instruments")
	ErrStreamFailed     = errors.New("output stream failed")
	ErrNoTargets        = errors.New("no subscription targets")
)
