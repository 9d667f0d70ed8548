// Package audit records admin actions as structured JSON events: one record
// per action, appended to a rotating JSONL file and mirrored to the
// application log. Records carry the acting admin only as a token
// fingerprint; raw secrets never appear.
package audit

import (
	"time"

	"github.com/arvago/api-proxy/internal/utils"
)

// EventName is the event type stamped on every record emitted here.
const EventName = "admin_audit"

// Result is the outcome of an audited action.
type Result string

const (
	ResultOK    Result = "ok"
	ResultError Result = "error"
)

// Actions covered by the admin surface.
const (
	ActionKeyCreate       = "apikey.create"
	ActionKeyList         = "apikey.list"
	ActionKeyRevoke       = "apikey.revoke"
	ActionKeyActivate     = "apikey.activate"
	ActionKeyDelete       = "apikey.delete"
	ActionCacheInvalidate = "cache.invalidate"
)

// Event is one audited admin action.
type Event struct {
	Timestamp     time.Time              `json:"timestamp"`
	Event         string                 `json:"event"`
	Action        string                 `json:"action"`
	Result        Result                 `json:"result"`
	AdminIdentity string                 `json:"adminIdentity"`
	IP            string                 `json:"ip,omitempty"`
	RequestID     string                 `json:"requestId,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Identity derives the loggable admin identity from the presented bearer
// token: a short fingerprint, never the token itself.
func Identity(token string) string {
	return "token:" + utils.Fingerprint(token)
}

// NewEvent starts a successful record for one admin action; WithError flips
// it to a failure.
func NewEvent(action, adminIdentity string) *Event {
	return &Event{
		Timestamp:     time.Now().UTC(),
		Event:         EventName,
		Action:        action,
		Result:        ResultOK,
		AdminIdentity: adminIdentity,
		Details:       make(map[string]interface{}),
	}
}

// WithIP records the caller's network address.
func (e *Event) WithIP(ip string) *Event {
	e.IP = ip
	return e
}

// WithRequestID links the record to the request log.
func (e *Event) WithRequestID(requestID string) *Event {
	e.RequestID = requestID
	return e
}

// WithDetail adds one action-specific field. Values must already be free of
// secret material.
func (e *Event) WithDetail(key string, value interface{}) *Event {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithError marks the action failed and records the error message.
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Result = ResultError
		e.WithDetail("error", err.Error())
	}
	return e
}
