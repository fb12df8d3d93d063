package api

import (
	"encoding/json"
	"net/http"

	jww "github.com/spf13/jwalterweatherman"

	"gwi.com/chatcore/internal/chaterr"
)

var statusByKind = map[chaterr.Kind]int{
	chaterr.KindInvalidRequest:       http.StatusBadRequest,
	chaterr.KindInvalidParticipants:  http.StatusBadRequest,
	chaterr.KindMalformedMessage:     http.StatusBadRequest,
	chaterr.KindUnauthenticated:      http.StatusUnauthorized,
	chaterr.KindNotAParticipant:      http.StatusForbidden,
	chaterr.KindChatNotFound:         http.StatusNotFound,
	chaterr.KindMessageNotFound:      http.StatusNotFound,
	chaterr.KindMediaNotFound:        http.StatusNotFound,
	chaterr.KindUserNotFound:         http.StatusNotFound,
	chaterr.KindUsernameTaken:        http.StatusConflict,
	chaterr.KindPayloadTooLarge:      http.StatusRequestEntityTooLarge,
	chaterr.KindUnsupportedMediaType: http.StatusUnsupportedMediaType,
	chaterr.KindRateLimited:          http.StatusTooManyRequests,
	chaterr.KindConcurrencyConflict:  http.StatusServiceUnavailable,
	chaterr.KindMediaUploadFailed:    http.StatusInternalServerError,
	chaterr.KindInternal:             http.StatusInternalServerError,
}

type errorResponse struct {
	Code    chaterr.Kind `json:"code"`
	Message string       `json:"message"`
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	if status, ok := statusByKind[chaterr.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := chaterr.KindOf(err)
	status := StatusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		jww.ERROR.Printf("%s %s failed: %v", r.Method, r.URL.Path, err)
		if kind == chaterr.KindInternal {
			message = "internal error"
		}
	}
	writeJSON(w, status, errorResponse{Code: kind, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		jww.WARN.Printf("Failed to encode response: %v", err)
	}
}
