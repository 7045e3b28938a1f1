package ratypes

import (
	"errors"
	"fmt"
)

// ErrorKind is a closed sum type of the error taxonomy in spec §7, replacing
// the COM-style sentinel error codes of the original implementation.
type ErrorKind string

const (
	// Retryable
	ErrorKindTimeout               ErrorKind = "timeout"
	ErrorKindStoreBusy             ErrorKind = "store_busy"
	ErrorKindWriteConflict         ErrorKind = "write_conflict"
	ErrorKindNotPrimary            ErrorKind = "not_primary"
	ErrorKindReconfigurationPending ErrorKind = "reconfiguration_pending"
	ErrorKindObjectClosing         ErrorKind = "object_closing"
	ErrorKindNoWriteQuorum         ErrorKind = "no_write_quorum"
	ErrorKindDeadlockDetected      ErrorKind = "deadlock_detected"

	// Drop-worthy
	ErrorKindDropThresholdExceeded  ErrorKind = "drop_threshold_exceeded"
	ErrorKindServiceTypeNotRegistered ErrorKind = "service_type_not_registered"

	// Fatal
	ErrorKindCorruptStore     ErrorKind = "corrupt_store"
	ErrorKindDataLossReported ErrorKind = "data_loss_reported"
	ErrorKindContractViolation ErrorKind = "contract_violation"

	// Informational
	ErrorKindNotFound             ErrorKind = "not_found"
	ErrorKindKeyExists            ErrorKind = "key_exists"
	ErrorKindEnumerationCompleted ErrorKind = "enumeration_completed"

	// Operational
	ErrorKindObjectClosed   ErrorKind = "object_closed"
	ErrorKindQuotaExceeded  ErrorKind = "quota_exceeded"
	ErrorKindOperationCanceled ErrorKind = "operation_canceled"
)

// Retryable reports whether the error kind is transient and safe to retry
// locally with backoff.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindTimeout, ErrorKindStoreBusy, ErrorKindWriteConflict,
		ErrorKindNotPrimary, ErrorKindReconfigurationPending,
		ErrorKindObjectClosing, ErrorKindNoWriteQuorum, ErrorKindDeadlockDetected:
		return true
	}
	return false
}

// Fatal reports whether the error kind requires a replica reset.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrorKindCorruptStore, ErrorKindDataLossReported, ErrorKindContractViolation:
		return true
	}
	return false
}

// RAError is the structured error carried across the RA, replicated store,
// and FUP layers. User-visible failures always surface the kind, the
// activity id, the failover unit id (if applicable), and a free-form
// descriptor (spec §7).
type RAError struct {
	Kind           ErrorKind
	ActivityID     string
	FailoverUnitID string
	Descriptor     string
	Inner          error
}

func (e *RAError) Error() string {
	if e.FailoverUnitID != "" {
		return fmt.Sprintf("%s: ft=%s activity=%s: %s", e.Kind, e.FailoverUnitID, e.ActivityID, e.Descriptor)
	}
	return fmt.Sprintf("%s: activity=%s: %s", e.Kind, e.ActivityID, e.Descriptor)
}

func (e *RAError) Unwrap() error { return e.Inner }

// Is allows errors.Is(err, ratypes.ErrNotFound) style sentinel comparisons
// by kind rather than by pointer identity.
func (e *RAError) Is(target error) bool {
	var other *RAError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewError constructs a RAError with the given kind and descriptor.
func NewError(kind ErrorKind, activityID, failoverUnitID, descriptor string, inner error) *RAError {
	return &RAError{
		Kind:           kind,
		ActivityID:     activityID,
		FailoverUnitID: failoverUnitID,
		Descriptor:     descriptor,
		Inner:          inner,
	}
}

// Sentinel kind-only errors for errors.Is comparisons where no activity/FT
// context is available (e.g. from kvstore.Engine, which has no activity id).
var (
	ErrNotFound      = &RAError{Kind: ErrorKindNotFound}
	ErrKeyExists     = &RAError{Kind: ErrorKindKeyExists}
	ErrWriteConflict = &RAError{Kind: ErrorKindWriteConflict}
	ErrObjectClosed  = &RAError{Kind: ErrorKindObjectClosed}
	ErrCorruptStore  = &RAError{Kind: ErrorKindCorruptStore}
	ErrContractViolation = &RAError{Kind: ErrorKindContractViolation}
	ErrNotPrimary    = &RAError{Kind: ErrorKindNotPrimary}
	ErrStoreBusy     = &RAError{Kind: ErrorKindStoreBusy}
)

// KindOf extracts the ErrorKind from err if it is (or wraps) a *RAError.
func KindOf(err error) (ErrorKind, bool) {
	var raErr *RAError
	if errors.As(err, &raErr) {
		return raErr.Kind, true
	}
	return "", false
}
