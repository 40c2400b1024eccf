package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/marketchat/server/internal/chat"
	"github.com/marketchat/server/internal/logging"
	"github.com/marketchat/server/internal/middleware"
	"github.com/marketchat/server/internal/model"
	"github.com/marketchat/server/internal/protocol"
)

// MessageHandler is the REST mirror of the live messaging events.
type MessageHandler struct {
	chat *chat.Service
}

func NewMessageHandler(svc *chat.Service) *MessageHandler {
	return &MessageHandler{chat: svc}
}

type sendMessageRequest struct {
	ReceiverID string  `json:"receiverId"`
	ListingID  *string `json:"listingId"`
	Content    string  `json:"content"`
}

type markDeliveredRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type markReadRequest struct {
	SenderID string `json:"senderId"`
}

// HandleSend handles POST /api/messages
func (h *MessageHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithDomainError(w, r, err, "")
		return
	}
	recipient, err := protocol.ParseID("receiverId", req.ReceiverID)
	if err != nil {
		respondWithDomainError(w, r, err, "")
		return
	}

	msg, res, err := h.chat.SendREST(r.Context(), userID, chat.SendInput{
		RecipientID: recipient,
		ListingID:   req.ListingID,
		Content:     req.Content,
	})
	if err != nil {
		respondWithDomainError(w, r, err, "failed to send message")
		return
	}
	logging.Audit(r.Context(), logging.ActionSend, userID).
		Str(logging.FieldMessageID, msg.ID.String()).
		Int("pushed", res.Pushed).
		Msg("message sent over REST")
	respondJSON(w, r, http.StatusCreated, map[string]model.Message{"message": msg})
}

// HandleConversation handles GET /api/messages/{otherUserId}
func (h *MessageHandler) HandleConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	other, err := protocol.ParseID("otherUserId", chi.URLParam(r, "otherUserId"))
	if err != nil {
		respondWithDomainError(w, r, err, "")
		return
	}
	msgs, err := h.chat.Conversation(r.Context(), userID, other)
	if err != nil {
		respondWithDomainError(w, r, err, "failed to fetch messages")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	respondJSON(w, r, http.StatusOK, map[string][]model.Message{"messages": msgs})
}

// HandleMarkDelivered handles POST /api/messages/delivered
func (h *MessageHandler) HandleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req markDeliveredRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithDomainError(w, r, err, "")
		return
	}
	ids, err := protocol.ParseIDs("messageIds", req.MessageIDs)
	if err != nil {
		respondWithDomainError(w, r, err, "")
		return
	}
	n, err := h.chat.MarkDelivered(r.Context(), userID, ids)
	if err != nil {
		respondWithDomainError(w, r, err, "failed to mark delivered")
		return
	}
	if n > 0 {
		logging.Audit(r.Context(), logging.ActionAckDelivered, userID).Int("count", n).Msg("messages delivered")
	}
	respondJSON(w, r, http.StatusOK, map[string]int{"updatedCount": n})
}

// HandleMarkRead handles POST /api/messages/read
func (h *MessageHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req markReadRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithDomainError(w, r, err, "")
		return
	}
	sender, err := protocol.ParseID("senderId", req.SenderID)
	if err != nil {
		respondWithDomainError(w, r, err, "")
		return
	}
	n, err := h.chat.MarkRead(r.Context(), userID, sender)
	if err != nil {
		respondWithDomainError(w, r, err, "failed to mark read")
		return
	}
	if n > 0 {
		logging.Audit(r.Context(), logging.ActionAckRead, userID).
			Str("sender_id", sender.String()).
			Int("count", n).
			Msg("messages read")
	}
	respondJSON(w, r, http.StatusOK, map[string]int{"updatedCount": n})
}

// HandleUnread handles GET /api/messages/unread
func (h *MessageHandler) HandleUnread(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	counts, err := h.chat.UnreadCounts(r.Context(), userID)
	if err != nil {
		respondWithDomainError(w, r, err, "failed to count unread messages")
		return
	}
	out := make(map[string]int, len(counts))
	for from, n := range counts {
		out[from.String()] = n
	}
	respondJSON(w, r, http.StatusOK, map[string]map[string]int{"counts": out})
}

func callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, r, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, false
	}
	return userID, true
}
