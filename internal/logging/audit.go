package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Audit actions.
const (
	ActionJoin           = "join"
	ActionJoinFailed     = "join_failed"
	ActionDisconnect     = "disconnect"
	ActionSend           = "send_message"
	ActionAckDelivered   = "ack_delivered"
	ActionAckRead        = "ack_read"
	ActionRegisterDevice = "register_device"
)

// Audit starts an audit entry for action performed by userID. The caller
// adds fields and calls Msg.
func Audit(ctx context.Context, action string, userID uuid.UUID) *zerolog.Event {
	l := Ctx(ctx)
	return l.Info().
		Str(FieldLogType, LogTypeAudit).
		Str(FieldAction, action).
		Str(FieldUserID, userID.String())
}
