package domain

import "errors"

// Error taxonomy surfaced by the core. The HTTP layer maps each one to a status code.
var (
	ErrSessionNotConnected = errors.New("session not connected")
	ErrConflict            = errors.New("conflict")
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrFileNotFound        = errors.New("file not found")
	ErrLoginRequired       = errors.New("login required")
	ErrChallengeExpired    = errors.New("qr challenge expired")
	ErrReconnectExhausted  = errors.New("reconnect attempts exhausted")
	ErrUnsupported         = errors.New("method not supported")
)

// ErrBackendDisconnected is returned by backends when the remote side dropped the
// session. It is absorbed by the session manager and turned into a reconnect.
var ErrBackendDisconnected = errors.New("backend disconnected")

// ErrUnknownCommand is returned by plugins for names they do not handle.
var ErrUnknownCommand = errors.New("unknown command")
