package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoExecutor            = errors.New("no executor provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionNotActive      = errors.New("session not active")
	ErrConnectTimeout        = errors.New("upstream connect timeout")
	ErrTransportClosed       = errors.New("transport closed")
	ErrUpstreamProtocol      = errors.New("upstream protocol error")
	ErrUpstreamSession       = errors.New("upstream session error")
	ErrNotFound              = errors.New("not found")
)
