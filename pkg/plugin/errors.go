package plugin

import (
	"errors"
	"time"

	goerrors "github.com/agilira/go-errors"
)

// Error codes of the runtime error taxonomy
const (
	ErrCodeValidation     = "PLUGIN_VALIDATION"
	ErrCodeLoad           = "PLUGIN_LOAD"
	ErrCodeTimeout        = "PLUGIN_TIMEOUT"
	ErrCodeHandler        = "PLUGIN_HANDLER"
	ErrCodeAuthDenied     = "AUTH_DENIED"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeRepository     = "REPOSITORY"
	ErrCodeLifecycleBusy  = "LIFECYCLE_BUSY"
	ErrCodeLoadInProgress = "LOAD_IN_PROGRESS"
)

// GenericFailureMessage is the only failure text a user ever sees for a
// command that failed or timed out
const GenericFailureMessage = "Something went wrong while processing your command. Please try again later."

func NewValidationError(id, field string) *goerrors.Error {
	return goerrors.New(ErrCodeValidation, "Invalid plugin descriptor").
		WithUserMessage("Plugin descriptor is invalid").
		WithContext("plugin", id).
		WithContext("field", field).
		WithSeverity("error")
}

func NewLoadError(id string, cause error) *goerrors.Error {
	if cause == nil {
		return goerrors.New(ErrCodeLoad, "Plugin load failed").
			WithUserMessage("Plugin could not be loaded").
			WithContext("plugin", id).
			WithSeverity("error")
	}
	return goerrors.Wrap(cause, ErrCodeLoad, "Plugin load failed").
		WithUserMessage("Plugin could not be loaded").
		WithContext("plugin", id).
		WithSeverity("error")
}

func NewTimeoutError(id, handler string, timeout time.Duration) *goerrors.Error {
	return goerrors.New(ErrCodeTimeout, "Handler timed out").
		WithUserMessage(GenericFailureMessage).
		WithContext("plugin", id).
		WithContext("handler", handler).
		WithContext("timeout", timeout.String()).
		WithSeverity("warning")
}

func NewHandlerError(id, handler string, cause error) *goerrors.Error {
	return goerrors.Wrap(cause, ErrCodeHandler, "Handler failed").
		WithUserMessage(GenericFailureMessage).
		WithContext("plugin", id).
		WithContext("handler", handler).
		WithSeverity("error")
}

func NewAuthorizationDenied(userID, chatID int64) *goerrors.Error {
	return goerrors.New(ErrCodeAuthDenied, "Authorization denied").
		WithContext("user_id", userID).
		WithContext("chat_id", chatID).
		WithSeverity("info")
}

func NewRateLimited(id string, userID int64) *goerrors.Error {
	return goerrors.New(ErrCodeRateLimited, "Rate limit exceeded").
		WithContext("plugin", id).
		WithContext("user_id", userID).
		WithSeverity("warning")
}

func NewRepositoryError(op string, cause error) *goerrors.Error {
	return goerrors.Wrap(cause, ErrCodeRepository, "Repository operation failed").
		WithUserMessage(GenericFailureMessage).
		WithContext("operation", op).
		WithSeverity("error")
}

func NewLifecycleBusyError(id, state string) *goerrors.Error {
	return goerrors.New(ErrCodeLifecycleBusy, "Plugin lifecycle transition in progress").
		WithUserMessage("Plugin is busy, try again shortly").
		WithContext("plugin", id).
		WithContext("state", state).
		WithSeverity("warning")
}

func NewLoadInProgressError() *goerrors.Error {
	return goerrors.New(ErrCodeLoadInProgress, "Bulk plugin load already in progress").
		WithUserMessage("Plugins are already being loaded").
		WithSeverity("warning")
}

// HasCode reports whether err, or any error it wraps, is a taxonomy error with code
func HasCode(err error, code string) bool {
	var e *goerrors.Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if string(e.Code) == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// UserMessage returns the text safe to show a user for err. Anything that is
// not a taxonomy error with a user message maps to GenericFailureMessage.
func UserMessage(err error) string {
	var e *goerrors.Error
	if errors.As(err, &e) {
		if msg := e.UserMessage(); msg != "" {
			return msg
		}
	}
	return GenericFailureMessage
}
