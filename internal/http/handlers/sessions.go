package handlers

import (
	"net/http"

	"github.com/marketchat/server/internal/logging"
	"github.com/marketchat/server/internal/model"
	"github.com/marketchat/server/internal/protocol"
	"github.com/marketchat/server/internal/session"
)

// SessionHandler registers devices for live connections and push.
type SessionHandler struct {
	registry *session.Registry
}

func NewSessionHandler(registry *session.Registry) *SessionHandler {
	return &SessionHandler{registry: registry}
}

type registerDeviceRequest struct {
	SessionID      string  `json:"sessionId"`
	Device         string  `json:"device"`
	DeviceToken    *string `json:"deviceToken"`
	DevicePlatform string  `json:"devicePlatform"`
}

type registerDeviceResponse struct {
	Message string        `json:"message"`
	Session model.Session `json:"session"`
	Created bool          `json:"created"`
}

// HandleRegister handles POST /api/sessions/register. An unknown or foreign
// sessionId registers a new session instead.
func (h *SessionHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req registerDeviceRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithDomainError(w, r, err, "")
		return
	}
	platform, err := model.ParsePushPlatform(req.DevicePlatform)
	if err != nil {
		respondWithDomainError(w, r, err, "")
		return
	}

	reg := session.Registration{
		Device:       req.Device,
		PushToken:    req.DeviceToken,
		PushPlatform: platform,
		IP:           logging.ClientIP(r),
	}
	if req.SessionID != "" {
		id, err := protocol.ParseID("sessionId", req.SessionID)
		if err != nil {
			respondWithDomainError(w, r, err, "")
			return
		}
		reg.SessionID = &id
	}

	s, created, err := h.registry.Register(r.Context(), userID, reg)
	if err != nil {
		respondWithDomainError(w, r, err, "Device registration failed")
		return
	}
	logging.Audit(r.Context(), logging.ActionRegisterDevice, userID).
		Str(logging.FieldSessionID, s.ID.String()).
		Bool("created", created).
		Msg("device registered")
	respondJSON(w, r, http.StatusOK, registerDeviceResponse{
		Message: "Device registered",
		Session: s,
		Created: created,
	})
}
