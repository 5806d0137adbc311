package errs

import (
	stdErrors "errors"
	"fmt"
)

// Kind is the coarse class callers branch on: retry, re-login or display.
type Kind string

const (
	KindTransport  Kind = "transport"
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindBusiness   Kind = "business"
	KindPermission Kind = "permission"
	KindInternal   Kind = "internal"
)

type Code string

const (
	CodeRequestFailed     Code = "RequestFailed"
	CodeNonJSONResponse   Code = "NonJsonResponse"
	CodeInvalidJSON       Code = "InvalidJson"
	CodeLoginRedirect     Code = "LoginRedirect"
	CodeUnauthorized      Code = "Unauthorized"
	CodeValidation        Code = "ValidationError"
	CodeLimitReached      Code = "LimitReached"
	CodeBlocked           Code = "bloqueado"
	CodeTaken             Code = "Taken"
	CodeInvalidTransition Code = "InvalidTransition"
	CodeNotFound          Code = "NotFound"
	CodePermissionDenied  Code = "PermissionDenied"
	CodePermissionNeeded  Code = "PermissionRequired"
	CodeInternal          Code = "InternalError"
)

type Metadata struct {
	Kind      Kind
	Retryable bool
	Message   string
}

var metadataByCode = map[Code]Metadata{
	CodeRequestFailed:     {Kind: KindTransport, Retryable: true, Message: "request failed"},
	CodeNonJSONResponse:   {Kind: KindTransport, Retryable: true, Message: "unexpected non-json response"},
	CodeInvalidJSON:       {Kind: KindTransport, Retryable: false, Message: "malformed json response"},
	CodeLoginRedirect:     {Kind: KindAuth, Retryable: false, Message: "session expired, login required"},
	CodeUnauthorized:      {Kind: KindAuth, Retryable: false, Message: "authentication required"},
	CodeValidation:        {Kind: KindValidation, Retryable: false, Message: "validation failed"},
	CodeLimitReached:      {Kind: KindBusiness, Retryable: false, Message: "active order limit reached"},
	CodeBlocked:           {Kind: KindBusiness, Retryable: false, Message: "account blocked"},
	CodeTaken:             {Kind: KindBusiness, Retryable: false, Message: "order already taken"},
	CodeInvalidTransition: {Kind: KindBusiness, Retryable: false, Message: "state transition disallowed"},
	CodeNotFound:          {Kind: KindBusiness, Retryable: false, Message: "order not found"},
	CodePermissionDenied:  {Kind: KindPermission, Retryable: false, Message: "permission denied"},
	CodePermissionNeeded:  {Kind: KindPermission, Retryable: false, Message: "permission not granted yet"},
	CodeInternal:          {Kind: KindInternal, Retryable: true, Message: "internal error"},
}

// MetadataFor returns the metadata for code. Server codes the client does
// not know are treated as business errors.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return Metadata{Kind: KindBusiness, Message: string(code)}
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Kind() Kind {
	return MetadataFor(e.Code()).Kind
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	if e.message == "" {
		return MetadataFor(e.code).Message
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.Message(), e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.Message())
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches another *Error by code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.code == t.code
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

func CodeOf(err error) Code {
	if e := As(err); e != nil {
		return e.code
	}
	return ""
}

// KindOf classifies err. Untyped errors are transport errors: they come
// from the network stack.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e := As(err); e != nil {
		return e.Kind()
	}
	return KindTransport
}

func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if e := As(err); e != nil {
		return MetadataFor(e.code).Retryable
	}
	return true
}

func IsAuth(err error) bool { return KindOf(err) == KindAuth }

var (
	ErrLimitReached = New(CodeLimitReached, "")
	ErrBlocked      = New(CodeBlocked, "")
	ErrUnauthorized = New(CodeUnauthorized, "")
)
