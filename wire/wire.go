// Package wire defines the JSON frame protocol spoken between agent
// sessions and the commbus daemon over WebSocket.
package wire

import (
	"errors"

	"github.com/openhive/commbus/comms"
)

// Frame is one protocol message, both directions. Req correlates a
// server reply with the client request that caused it.
type Frame struct {
	Op            string          `json:"op"`
	Req           string          `json:"req,omitempty"`
	Envelope      *comms.Envelope `json:"envelope,omitempty"`
	Ticket        *comms.Ticket   `json:"ticket,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	Status        string          `json:"status,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	TimeoutMS     int             `json:"timeout_ms,omitempty"`
	Code          string          `json:"code,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Client ops.
const (
	OpSubmit    = "submit"
	OpReceive   = "receive"
	OpAwait     = "await"
	OpSubscribe = "subscribe"
	OpLeave     = "leave"
	OpHeartbeat = "heartbeat"
	OpSetStatus = "set_status"
)

// Server ops.
const (
	OpTicket   = "ticket"
	OpEnvelope = "envelope"
	OpEmpty    = "empty"
	OpOK       = "ok"
	OpError    = "error"
)

// Error codes carried in error frames.
const (
	CodeValidation  = "validation"
	CodeUnresolved  = "unresolved_recipient"
	CodeOffline     = "recipient_offline"
	CodePersistence = "persistence"
	CodeBadRequest  = "bad_request"
)

// ErrorCode maps the bus error taxonomy to wire codes.
func ErrorCode(err error) string {
	var (
		verr *comms.ValidationError
		uerr *comms.UnresolvedRecipientError
		oerr *comms.RecipientOfflineError
		perr *comms.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		return CodeValidation
	case errors.As(err, &uerr):
		return CodeUnresolved
	case errors.As(err, &oerr):
		return CodeOffline
	case errors.As(err, &perr):
		return CodePersistence
	}
	return CodeBadRequest
}

// DecodeError reconstructs the typed error for a wire code, so client
// callers can use errors.As exactly as in-process bus callers do.
func DecodeError(code, msg, subject string) error {
	switch code {
	case CodeValidation:
		return &comms.ValidationError{Reason: msg}
	case CodeUnresolved:
		return &comms.UnresolvedRecipientError{Recipient: fallback(subject, msg)}
	case CodeOffline:
		return &comms.RecipientOfflineError{AgentID: fallback(subject, msg)}
	case CodePersistence:
		return &comms.PersistenceError{Attempts: 0, Err: errors.New(msg)}
	}
	return errors.New(msg)
}

func fallback(v, msg string) string {
	if v != "" {
		return v
	}
	return msg
}
