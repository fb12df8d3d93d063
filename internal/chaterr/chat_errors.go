package chaterr

var (
	ErrInvalidRequest       = New(KindInvalidRequest, "invalid request")
	ErrInvalidParticipants  = New(KindInvalidParticipants, "chat requires two distinct, known participants")
	ErrChatNotFound         = New(KindChatNotFound, "chat not found")
	ErrNotAParticipant      = New(KindNotAParticipant, "user is not a participant of this chat")
	ErrMalformedMessage     = New(KindMalformedMessage, "message content does not match its type")
	ErrMessageNotFound      = New(KindMessageNotFound, "message not found")
	ErrPayloadTooLarge      = New(KindPayloadTooLarge, "payload is empty or exceeds the upload limit")
	ErrUnsupportedMediaType = New(KindUnsupportedMediaType, "media type is not allowed")
	ErrMediaUploadFailed    = New(KindMediaUploadFailed, "media upload failed")
	ErrMediaNotFound        = New(KindMediaNotFound, "media not found")
	ErrConcurrencyConflict  = New(KindConcurrencyConflict, "write conflict, retries exhausted")
	ErrUserNotFound         = New(KindUserNotFound, "user not found")
	ErrUsernameTaken        = New(KindUsernameTaken, "username is already taken")
	ErrUnauthenticated      = New(KindUnauthenticated, "authentication required")
	ErrRateLimited          = New(KindRateLimited, "too many requests")
)

func MalformedMessage(reason string) error {
	return New(KindMalformedMessage, "malformed message: "+reason)
}

func InvalidRequest(reason string) error {
	return New(KindInvalidRequest, reason)
}

func MediaUploadFailed(cause error) error {
	return Wrap(KindMediaUploadFailed, "media upload failed", cause)
}

func ConcurrencyConflict(cause error) error {
	return Wrap(KindConcurrencyConflict, "write conflict, retries exhausted", cause)
}

func Internal(message string, cause error) error {
	return Wrap(KindInternal, message, cause)
}
