package chaterr

import "fmt"

type Kind string

const (
	KindInternal             Kind = "INTERNAL"
	KindInvalidRequest       Kind = "INVALID_REQUEST"
	KindInvalidParticipants  Kind = "INVALID_PARTICIPANTS"
	KindChatNotFound         Kind = "CHAT_NOT_FOUND"
	KindNotAParticipant      Kind = "NOT_A_PARTICIPANT"
	KindMalformedMessage     Kind = "MALFORMED_MESSAGE"
	KindMessageNotFound      Kind = "MESSAGE_NOT_FOUND"
	KindPayloadTooLarge      Kind = "PAYLOAD_TOO_LARGE"
	KindUnsupportedMediaType Kind = "UNSUPPORTED_MEDIA_TYPE"
	KindMediaUploadFailed    Kind = "MEDIA_UPLOAD_FAILED"
	KindMediaNotFound        Kind = "MEDIA_NOT_FOUND"
	KindConcurrencyConflict  Kind = "CONCURRENCY_CONFLICT"
	KindUserNotFound         Kind = "USER_NOT_FOUND"
	KindUsernameTaken        Kind = "USERNAME_TAKEN"
	KindUnauthenticated      Kind = "UNAUTHENTICATED"
	KindRateLimited          Kind = "RATE_LIMITED"
)

// Error is the domain error returned by the core services. Two errors match
// under errors.Is when their kinds are equal, so callers can test wrapped
// instances against the sentinels below.
type Error struct {
	Kind    Kind   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf reports the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return KindInternal
}
