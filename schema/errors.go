package schema

import (
	"context"
	"errors"
	"net"
	"os"
)

var (
	// ErrInvalidAccount indicates a malformed account identifier.
	ErrInvalidAccount = errors.New("invalid account")
	// ErrAccountNotFound indicates the account is unknown to the configuration provider.
	ErrAccountNotFound = errors.New("account not found")
	// ErrNoSurface indicates the account has no live surface.
	ErrNoSurface = errors.New("no live surface")
	// ErrSurfaceInactive indicates the surface exists but is pooled.
	ErrSurfaceInactive = errors.New("surface inactive")
	// ErrInvalidTransition indicates an illegal surface state change.
	ErrInvalidTransition = errors.New("invalid surface state transition")
	// ErrSnapshotNotFound indicates no backup exists for the account.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrInvalidConfig indicates an account configuration failed validation.
	ErrInvalidConfig = errors.New("invalid account config")
)

// Category is the machine-readable failure class.
type Category string

const (
	CategoryCreation       Category = "creation_failure"
	CategoryConnectivity   Category = "connectivity_failure"
	CategoryAuthentication Category = "authentication_failure"
	CategoryCorruption     Category = "corruption_failure"
	CategoryCapacity       Category = "capacity_exceeded"
	CategoryInvalid        Category = "invalid_request"
	CategoryInternal       Category = "internal"
)

// Action is a suggested next step presented with a failure.
type Action string

const (
	ActionNone        Action = ""
	ActionRetry       Action = "retry"
	ActionReconnect   Action = "reconnect"
	ActionRecover     Action = "recover_session_data"
	ActionReset       Action = "reset_account"
	ActionFreeViews   Action = "close_other_accounts"
	ActionFixConfig   Action = "fix_account_config"
	ActionReportIssue Action = "report_issue"
)

// Error is a categorized failure. Message is safe to show to end users; Err is logged only.
type Error struct {
	Category Category
	Message  string
	Action   Action
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a categorized error with the category's default action.
func NewError(category Category, message string, err error) *Error {
	return &Error{Category: category, Message: message, Action: defaultAction(category), Err: err}
}

// CreationFailure wraps a surface creation error.
func CreationFailure(err error) *Error {
	return NewError(CategoryCreation, "the account view could not be opened", err)
}

// ConnectivityFailure wraps a transient network error.
func ConnectivityFailure(err error) *Error {
	return NewError(CategoryConnectivity, "the account is not reachable", err)
}

// AuthenticationFailure wraps an invalid-session error.
func AuthenticationFailure(err error) *Error {
	return NewError(CategoryAuthentication, "the account session is no longer signed in", err)
}

// CorruptionFailure wraps an unreadable local state error.
func CorruptionFailure(err error) *Error {
	return NewError(CategoryCorruption, "local session data for the account looks damaged", err)
}

// CapacityExceeded reports that no view slot could be freed.
func CapacityExceeded(err error) *Error {
	return NewError(CategoryCapacity, "too many account views are open", err)
}

func defaultAction(category Category) Action {
	switch category {
	case CategoryCreation:
		return ActionRetry
	case CategoryConnectivity:
		return ActionReconnect
	case CategoryAuthentication:
		return ActionReset
	case CategoryCorruption:
		return ActionRecover
	case CategoryCapacity:
		return ActionFreeViews
	case CategoryInvalid:
		return ActionFixConfig
	case CategoryInternal:
		return ActionReportIssue
	default:
		return ActionNone
	}
}

// CategoryOf classifies any error.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var catErr *Error
	if errors.As(err, &catErr) {
		return catErr.Category
	}
	switch {
	case errors.Is(err, ErrInvalidAccount), errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrNoSurface), errors.Is(err, ErrSurfaceInactive), errors.Is(err, ErrSnapshotNotFound):
		return CategoryInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryConnectivity
	case errors.Is(err, os.ErrPermission):
		return CategoryCreation
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryConnectivity
	}
	return CategoryInternal
}

// IsRetryable reports whether an error is worth retrying automatically.
// Connectivity and creation failures are transient; authentication, corruption,
// capacity and validation failures are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch CategoryOf(err) {
	case CategoryConnectivity, CategoryCreation:
		return true
	default:
		return false
	}
}

// SuggestedAction returns the next step associated with err.
func SuggestedAction(err error) Action {
	var catErr *Error
	if errors.As(err, &catErr) {
		return catErr.Action
	}
	return defaultAction(CategoryOf(err))
}

// UserMessage returns the end-user explanation for err without internal detail.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var catErr *Error
	if errors.As(err, &catErr) {
		return catErr.Message
	}
	switch CategoryOf(err) {
	case CategoryInvalid:
		return err.Error()
	case CategoryConnectivity:
		return "the account is not reachable"
	default:
		return "an internal error occurred"
	}
}
