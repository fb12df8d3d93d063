package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gwi.com/chatcore/internal/auth"
	"gwi.com/chatcore/internal/chaterr"
	"gwi.com/chatcore/internal/core"
	"gwi.com/chatcore/internal/store"
)

type contextKey string

const userIDKey contextKey = "userID"

// multipartOverhead is the allowance for multipart framing on top of the
// maximum file size.
const multipartOverhead = 64 << 10

type APIHandler struct {
	users          *core.UserService
	chatService    *core.ChatService
	messageService *core.MessageService
	presence       *core.PresenceTracker
	mediaService   *core.MediaService
	maxUploadBytes int64
}

func NewAPIHandler(users *core.UserService, cs *core.ChatService, ms *core.MessageService, pt *core.PresenceTracker, media *core.MediaService, maxUploadBytes int64) *APIHandler {
	return &APIHandler{
		users:          users,
		chatService:    cs,
		messageService: ms,
		presence:       pt,
		mediaService:   media,
		maxUploadBytes: maxUploadBytes,
	}
}

func userIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, r, chaterr.New(chaterr.KindUnauthenticated, "Authorization header with a Bearer token is required"))
			return
		}

		userID, err := auth.ValidateJWT(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if _, err := h.users.GetUser(r.Context(), userID); err != nil {
			if errors.Is(err, chaterr.ErrUserNotFound) {
				err = chaterr.ErrUnauthenticated
			}
			writeError(w, r, err)
			return
		}
		h.presence.Touch(r.Context(), userID)

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type SignupRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, chaterr.InvalidRequest("invalid request body: "+err.Error()))
		return
	}

	user, err := h.users.Signup(r.Context(), req.Username, req.Password, req.DisplayName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, chaterr.InvalidRequest("invalid request body: "+err.Error()))
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, r, chaterr.InvalidRequest("username and password are required"))
		return
	}

	user, err := h.users.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	token, err := auth.GenerateJWT(user.ID)
	if err != nil {
		writeError(w, r, chaterr.Internal("failed to generate token", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// StringResponse wraps a single string result.
type StringResponse struct {
	Response string `json:"response"`
}

func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	senderID := r.URL.Query().Get("sender-id")
	receiverID := r.URL.Query().Get("receiver-id")

	if senderID == "" {
		senderID = userID
	}
	if senderID != userID {
		writeError(w, r, chaterr.ErrNotAParticipant)
		return
	}

	chatID, err := h.chatService.CreateChat(r.Context(), senderID, receiverID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StringResponse{Response: chatID})
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chatService.GetChatsByUser(r.Context(), userIDFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

type MessageRequest struct {
	SenderID      string `json:"senderId"`
	ReceiverID    string `json:"receiverId"`
	ChatID        string `json:"chatId"`
	Content       string `json:"content"`
	Type          string `json:"type"`
	MediaFilePath string `json:"mediaFilePath,omitempty"`
}

// MessageResponse is the message shape returned by the API and pushed over
// WebSocket sessions.
type MessageResponse = store.MessageView

// SaveMessageHandler stores a message from the caller. When chatId is empty
// the chat with receiverId is looked up or created first. When both are set
// they must agree.
func (h *APIHandler) SaveMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, chaterr.InvalidRequest("invalid request body: "+err.Error()))
		return
	}
	if req.SenderID != "" && req.SenderID != userID {
		writeError(w, r, chaterr.ErrNotAParticipant)
		return
	}

	chatID := req.ChatID
	switch {
	case chatID == "" && req.ReceiverID == "":
		writeError(w, r, chaterr.InvalidRequest("chatId or receiverId is required"))
		return
	case chatID == "":
		var err error
		if chatID, err = h.chatService.CreateChat(r.Context(), userID, req.ReceiverID); err != nil {
			writeError(w, r, err)
			return
		}
	case req.ReceiverID != "":
		chat, err := h.chatService.RequireParticipant(r.Context(), chatID, userID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if chat.Partner(userID) != req.ReceiverID {
			writeError(w, r, chaterr.InvalidRequest("receiverId is not the other participant of chatId"))
			return
		}
	}

	msgType := store.MessageType(strings.ToUpper(req.Type))
	if msgType == "" {
		msgType = store.MessageTypeText
	}
	content := core.Content{Type: msgType, Text: req.Content, MediaRef: req.MediaFilePath}
	if _, err := h.messageService.SaveMessage(r.Context(), chatID, userID, content); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *APIHandler) UploadMediaHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	chatID := r.URL.Query().Get("chat-id")
	if chatID == "" {
		writeError(w, r, chaterr.InvalidRequest("chat-id is required"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, chaterr.ErrPayloadTooLarge)
			return
		}
		writeError(w, r, chaterr.InvalidRequest("invalid multipart body: "+err.Error()))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, chaterr.InvalidRequest("multipart field \"file\" is required"))
		return
	}

	upload := core.Upload{Body: file, Size: header.Size, Filename: header.Filename}
	if _, err := h.mediaService.UploadMedia(r.Context(), chatID, userID, upload); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *APIHandler) SetSeenHandler(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat-id")
	if chatID == "" {
		writeError(w, r, chaterr.InvalidRequest("chat-id is required"))
		return
	}
	if _, err := h.presence.SetSeen(r.Context(), chatID, userIDFrom(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *APIHandler) ChatMessagesHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	chat, messages, err := h.messageService.ChatMessages(r.Context(), chatID, userIDFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := make([]MessageResponse, 0, len(messages))
	for _, m := range messages {
		resp = append(resp, m.View(chat))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) MarkDeliveredHandler(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if _, _, err := h.messageService.MarkDelivered(r.Context(), messageID, userIDFrom(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *APIHandler) MediaHandler(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	blob, file, err := h.mediaService.OpenMedia(r.Context(), hash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", blob.MimeType)
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.Header().Set("ETag", `"`+blob.ContentHash+`"`)
	http.ServeContent(w, r, "", blob.CreatedAt, file)
	jww.TRACE.Printf("Served blob %s to %s", hash, userIDFrom(r))
}
