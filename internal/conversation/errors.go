// ABOUTME: Typed errors for the chat pipeline with their HTTP status and wire shape
// ABOUTME: Codes are "<type>:<surface>" and match with errors.Is by type, surface and cause

package conversation

import (
	"encoding/json"
	"net/http"
)

// ErrorType is the kind of failure
type ErrorType string

const (
	TypeBadRequest          ErrorType = "bad_request"
	TypeUnauthorized        ErrorType = "unauthorized"
	TypeForbidden           ErrorType = "forbidden"
	TypeNotFound            ErrorType = "not_found"
	TypeRateLimit           ErrorType = "rate_limit"
	TypeUpstreamUnavailable ErrorType = "upstream_unavailable"
	TypeEmptyResponse       ErrorType = "empty_response"
	TypeInternal            ErrorType = "internal"
)

// Surface is the part of the product the failure concerns
type Surface string

const (
	SurfaceAPI    Surface = "api"
	SurfaceAuth   Surface = "auth"
	SurfaceChat   Surface = "chat"
	SurfaceStream Surface = "stream"
	SurfaceAgent  Surface = "agent"
)

// Causes refining a bad request
const (
	CauseEmptyInput       = "empty_input"       // message had no text
	CauseDuplicateMessage = "duplicate_message" // message id was already sent
	CauseInvalidChatID    = "invalid_chat_id"   // chat id is not a UUID
	CauseInvalidRole      = "invalid_role"      // only user messages can be sent
	CauseInvalidBody      = "invalid_body"      // request body is not valid JSON
)

var statusByType = map[ErrorType]int{
	TypeBadRequest:          http.StatusBadRequest,
	TypeUnauthorized:        http.StatusUnauthorized,
	TypeForbidden:           http.StatusForbidden,
	TypeNotFound:            http.StatusNotFound,
	TypeRateLimit:           http.StatusTooManyRequests,
	TypeUpstreamUnavailable: http.StatusBadGateway,
	TypeEmptyResponse:       http.StatusBadGateway,
	TypeInternal:            http.StatusInternalServerError,
}

var messageByType = map[ErrorType]string{
	TypeBadRequest:          "The request couldn't be processed. Please check your input and try again.",
	TypeUnauthorized:        "You need to sign in before continuing.",
	TypeForbidden:           "You don't have access to this conversation.",
	TypeNotFound:            "The requested conversation was not found.",
	TypeRateLimit:           "You have sent too many messages. Please wait a moment and try again.",
	TypeUpstreamUnavailable: "The assistant is temporarily unavailable. Please try again shortly.",
	TypeEmptyResponse:       "The assistant didn't return a reply. Please try again.",
	TypeInternal:            "Something went wrong. Please try again later.",
}

// Error is a pipeline failure that maps onto one HTTP response
type Error struct {
	Type    ErrorType
	Surface Surface
	Message string
	Cause   string

	err error // underlying error, if any
}

// Sentinels for errors.Is. Empty fields match anything.
var (
	ErrBadRequest          = &Error{Type: TypeBadRequest}
	ErrEmptyInput          = &Error{Type: TypeBadRequest, Cause: CauseEmptyInput}
	ErrUnauthorized        = &Error{Type: TypeUnauthorized}
	ErrForbidden           = &Error{Type: TypeForbidden}
	ErrNotFound            = &Error{Type: TypeNotFound}
	ErrRateLimited         = &Error{Type: TypeRateLimit}
	ErrUpstreamUnavailable = &Error{Type: TypeUpstreamUnavailable}
	ErrEmptyResponse       = &Error{Type: TypeEmptyResponse}
)

// NewError builds an Error with the default message for its type
func NewError(typ ErrorType, surface Surface, cause string) *Error {
	return &Error{
		Type:    typ,
		Surface: surface,
		Message: messageByType[typ],
		Cause:   cause,
	}
}

// wrapError builds an Error that unwraps to err
func wrapError(typ ErrorType, surface Surface, err error) *Error {
	e := NewError(typ, surface, "")
	e.err = err
	return e
}

// Code returns "<type>:<surface>"
func (e *Error) Code() string {
	return string(e.Type) + ":" + string(e.Surface)
}

func (e *Error) Error() string {
	msg := e.Code()
	if e.Cause != "" {
		msg += " (" + e.Cause + ")"
	}
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches another *Error on every field the target sets
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Type != "" && t.Type != e.Type {
		return false
	}
	if t.Surface != "" && t.Surface != e.Surface {
		return false
	}
	if t.Cause != "" && t.Cause != e.Cause {
		return false
	}
	return true
}

// Status returns the HTTP status code for the error
func (e *Error) Status() int {
	if status, ok := statusByType[e.Type]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// MarshalJSON writes {"code","message","cause"}
func (e *Error) MarshalJSON() ([]byte, error) {
	body := struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Cause   string `json:"cause,omitempty"`
	}{
		Code:    e.Code(),
		Message: e.Message,
		Cause:   e.Cause,
	}
	return json.Marshal(body)
}

// WriteJSON writes the error as a JSON response
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	_ = json.NewEncoder(w).Encode(e)
}
