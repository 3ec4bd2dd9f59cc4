package domain

import "fmt"

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is matches any EngineError carrying the same code, so errors built with
// NewEngineError from a sentinel's code satisfy errors.Is against it.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Protocol / transition errors (-32010 to -32039) ----

var (
	ErrInvalidTransition = &EngineError{Code: -32010, Message: "invalid phase transition"}
	ErrMissingArtifacts  = &EngineError{Code: -32011, Message: "required artifacts missing"}
	ErrInvalidPhase      = &EngineError{Code: -32016, Message: "invalid phase value"}
	ErrInvalidArtifact   = &EngineError{Code: -32017, Message: "invalid artifact type"}
	ErrSubstateMismatch  = &EngineError{Code: -32018, Message: "substate does not belong to phase"}
	ErrNotBlocked        = &EngineError{Code: -32020, Message: "protocol is not blocked"}
	ErrQueryNotFound     = &EngineError{Code: -32021, Message: "blocking query not found"}
	ErrQueryAlreadyOpen  = &EngineError{Code: -32022, Message: "phase already has an open blocking query"}
	ErrQueryResolved     = &EngineError{Code: -32023, Message: "blocking query already resolved"}
	ErrMaxTicksExceeded  = &EngineError{Code: -32030, Message: "maximum tick count reached"}
	ErrTickInterrupted   = &EngineError{Code: -32031, Message: "tick loop interrupted"}
)

// ---- Router / model errors (-32070 to -32099) ----

var (
	ErrTierUnavailable     = &EngineError{Code: -32070, Message: "no provider registered for model tier"}
	ErrModelTimeout        = &EngineError{Code: -32071, Message: "model request timed out"}
	ErrModelInvalidOutput  = &EngineError{Code: -32072, Message: "model returned invalid output"}
	ErrProviderUnavailable = &EngineError{Code: -32075, Message: "model provider unavailable"}
)

// ---- Store / config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrSnapshotCorrupt = &EngineError{Code: -32134, Message: "snapshot checksum mismatch"}
	ErrSnapshotMissing = &EngineError{Code: -32135, Message: "no archived snapshot available"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
)
