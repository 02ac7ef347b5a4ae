package types

import "errors"

// Sentinel errors for the trading platform.
var (
	// Execution errors
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderFinal        = errors.New("order already in terminal state")
	ErrCancelNotAllowed  = errors.New("order cannot be canceled in its current state")

	// Risk errors
	ErrKillSwitchActive = errors.New("kill switch active")
	ErrRuleViolated     = errors.New("risk rule violated")

	// Broker errors
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrNotConnected      = errors.New("not connected to broker")
	ErrDuplicateOrder    = errors.New("duplicate client order id")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrRequestTimeout    = errors.New("broker request timeout")

	// Persistence errors
	ErrVersionConflict  = errors.New("version conflict")
	ErrPositionNotFound = errors.New("position not found")

	// Auth errors
	ErrTokenInvalid        = errors.New("token invalid")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrTokenReused         = errors.New("refresh token reuse detected")
	ErrFingerprintMismatch = errors.New("device fingerprint mismatch")

	// Gateway errors
	ErrTopicForbidden    = errors.New("topic not allowed for user")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)
