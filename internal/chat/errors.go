package chat

import "errors"

type Kind string

const (
	KindNotFound   Kind = "NOT_FOUND"
	KindValidation Kind = "VALIDATION_ERROR"
)

// Error is a client-visible gateway failure. Anything else returned by the
// gateway is a persistence failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

var (
	ErrThreadNotFound = &Error{Kind: KindNotFound, Message: "Thread not found"}
	ErrFileNotFound   = &Error{Kind: KindNotFound, Message: "File not found"}
	ErrEmptyContent   = &Error{Kind: KindValidation, Message: "Message content is required"}
)

// AsError unwraps err to a gateway *Error.
func AsError(err error) (*Error, bool) {
	var chatErr *Error
	if errors.As(err, &chatErr) {
		return chatErr, true
	}
	return nil, false
}
