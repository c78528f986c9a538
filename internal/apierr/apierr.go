// Package apierr defines the error taxonomy surfaced by the HTTP edge.
package apierr

import (
	"fmt"
	"net/http"
	"strings"
)

// Kind identifies a class of failure. The kind name (in snake_case) and
// its HTTP status are part of the external contract.
type Kind int

const (
	BadRequest Kind = iota
	InvalidMethod
	InvalidParam
	MissingParam
	InvalidSignature
	InvalidProxyUrl
	InvalidImage
	FileMissing
	LengthRequired
	PayloadTooLarge
	NoSuchAccount
	NotFound
	Deplorable
	// QoutaExceeded is misspelled on purpose; the name is part of the
	// external contract and existing clients match on it.
	QoutaExceeded
	Blacklisted
	UpstreamError
	InternalError
)

var kindNames = map[Kind]string{
	BadRequest:       "BadRequest",
	InvalidMethod:    "InvalidMethod",
	InvalidParam:     "InvalidParam",
	MissingParam:     "MissingParam",
	InvalidSignature: "InvalidSignature",
	InvalidProxyUrl:  "InvalidProxyUrl",
	InvalidImage:     "InvalidImage",
	FileMissing:      "FileMissing",
	LengthRequired:   "LengthRequired",
	PayloadTooLarge:  "PayloadTooLarge",
	NoSuchAccount:    "NoSuchAccount",
	NotFound:         "NotFound",
	Deplorable:       "Deplorable",
	QoutaExceeded:    "QoutaExceeded",
	Blacklisted:      "Blacklisted",
	UpstreamError:    "UpstreamError",
	InternalError:    "InternalError",
}

var kindStatuses = map[Kind]int{
	BadRequest:       http.StatusBadRequest,
	InvalidMethod:    http.StatusMethodNotAllowed,
	InvalidParam:     http.StatusBadRequest,
	MissingParam:     http.StatusBadRequest,
	InvalidSignature: http.StatusBadRequest,
	InvalidProxyUrl:  http.StatusBadRequest,
	InvalidImage:     http.StatusBadRequest,
	FileMissing:      http.StatusBadRequest,
	LengthRequired:   http.StatusLengthRequired,
	PayloadTooLarge:  http.StatusRequestEntityTooLarge,
	NoSuchAccount:    http.StatusNotFound,
	NotFound:         http.StatusNotFound,
	Deplorable:       http.StatusForbidden,
	QoutaExceeded:    http.StatusTooManyRequests,
	Blacklisted:      http.StatusUnavailableForLegalReasons,
	UpstreamError:    http.StatusBadRequest,
	InternalError:    http.StatusInternalServerError,
}

// Name returns the CamelCase kind name.
func (k Kind) Name() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[InternalError]
}

// SnakeName returns the snake_case form used in error response bodies.
func (k Kind) SnakeName() string {
	return CamelToSnake(k.Name())
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	if status, ok := kindStatuses[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error is a kind-tagged error with optional structured info.
type Error struct {
	Kind Kind
	Info map[string]any

	msg   string
	cause error
}

// New creates an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping a cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, cause: cause}
}

// WithInfo attaches structured info rendered into the response body.
func (e *Error) WithInfo(key string, value any) *Error {
	if e.Info == nil {
		e.Info = make(map[string]any)
	}
	e.Info[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.SnakeName(), e.msg, e.cause)
	}
	if e.msg == "" {
		return e.Kind.SnakeName()
	}
	return fmt.Sprintf("%s: %s", e.Kind.SnakeName(), e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors of the same kind, so callers can use
// errors.Is(err, apierr.New(apierr.NotFound, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// CamelToSnake converts a CamelCase kind name to snake_case.
// Every capital letter after the first starts a new word, so
// "BadRequest" -> "bad_request" and "InvalidProxyUrl" ->
// "invalid_proxy_url"; runs of capitals are not grouped ("JSON" ->
// "j_s_o_n").
func CamelToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
