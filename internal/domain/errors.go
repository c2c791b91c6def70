package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrWSDisconnect        = errors.New("websocket disconnected")
	ErrRefreshInFlight     = errors.New("refresh already in flight")
	ErrMalformedPayload    = errors.New("malformed upstream payload")
)
