// Package apperr attaches an HTTP status and a stable machine code to an
// error. Handlers render any error with Status and Payload; the package
// level kinds are templates that are copied, never mutated.
package apperr

import (
	"errors"
	"net/http"
)

// Error is a typed, status-aware application error.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message,omitempty"`
	Status  int            `json:"-"`
	Fields  map[string]any `json:"fields,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	case e.Code != "":
		return e.Code
	}
	return "error"
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches by code, so a copy made by WithMessage or Wrap still
// satisfies errors.Is against its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code != "" && e.Code == t.Code
}

// New declares an error kind.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

func (e *Error) clone() *Error {
	if e == nil {
		return ErrInternal.clone()
	}
	cp := *e
	return &cp
}

// WithMessage returns a copy of e that reads message.
func (e *Error) WithMessage(message string) *Error {
	cp := e.clone()
	cp.Message = message
	return cp
}

// Wrap returns a copy of e caused by err. An empty message keeps the
// kind's own.
func (e *Error) Wrap(err error, message string) *Error {
	cp := e.clone()
	if message != "" {
		cp.Message = message
	}
	cp.Err = err
	return cp
}

// WithFields returns a copy of e carrying per-field details, typically
// validation messages keyed by JSON field name.
func (e *Error) WithFields(fields map[string]any) *Error {
	cp := e.clone()
	cp.Fields = fields
	return cp
}

func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// Status is the HTTP status for err; anything untyped is a 500.
func Status(err error) int {
	if e, ok := As(err); ok && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

func Code(err error) string {
	if e, ok := As(err); ok && e.Code != "" {
		return e.Code
	}
	return ErrInternal.Code
}

// Message is the client facing text of err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Error()
	}
	return err.Error()
}

// Payload is the JSON body for err: {code, message[, fields]}.
func Payload(err error) map[string]any {
	payload := map[string]any{"code": Code(err), "message": Message(err)}
	if e, ok := As(err); ok && len(e.Fields) > 0 {
		payload["fields"] = e.Fields
	}
	return payload
}

// Generic kinds.
var (
	ErrBadRequest   = New("bad_request", http.StatusBadRequest, "")
	ErrValidation   = New("validation_error", http.StatusBadRequest, "")
	ErrEmptyBody    = New("empty_body", http.StatusBadRequest, "request body is empty")
	ErrUnauthorized = New("unauthorized", http.StatusUnauthorized, "")
	ErrNotFound     = New("not_found", http.StatusNotFound, "")
	ErrConflict     = New("conflict", http.StatusConflict, "")
	ErrInternal     = New("internal_error", http.StatusInternalServerError, "")
	ErrUnavailable  = New("service_unavailable", http.StatusServiceUnavailable, "")
	ErrDatabase     = New("database_error", http.StatusInternalServerError, "database error")
)

// Login kinds.
var (
	// ErrOAuth2Processing covers unsupported providers, missing provider
	// attributes and rejected redirect targets.
	ErrOAuth2Processing = New("oauth2_processing_error", http.StatusUnauthorized, "")
	// ErrAuthService wraps unexpected failures while resolving a login.
	ErrAuthService    = New("authentication_service_error", http.StatusInternalServerError, "Authentication service error")
	ErrBadCredentials = New("bad_credentials", http.StatusUnauthorized, "invalid username or password")
	ErrExternalOnly   = New("external_account", http.StatusUnauthorized, "this account signs in with an external provider")
	ErrLocked         = New("account_locked", http.StatusForbidden, "account is locked")
	ErrDisabled       = New("account_disabled", http.StatusForbidden, "account is disabled")
)
