package domain

import "time"

// NotificationKind identifies what a notification is about.
type NotificationKind string

const (
	NotificationReminder    NotificationKind = "reminder"
	NotificationMissed      NotificationKind = "missed"
	NotificationDailyReport NotificationKind = "daily_report"
)

// Notification is a request to tell an employee about a message or a report.
// Delivery is fire-and-forget: losing one never affects ledger state.
type Notification struct {
	ID          string                 `json:"id"`
	Kind        NotificationKind       `json:"kind"`
	EmployeeID  string                 `json:"employee_id"`
	MessageID   int64                  `json:"message_id,omitempty,string"`
	ClientRef   string                 `json:"client_ref,omitempty"`
	ArrivedAt   time.Time              `json:"arrived_at,omitzero"`
	Elapsed     time.Duration          `json:"elapsed,omitempty"`
	Stage       int                    `json:"stage,omitempty"`
	RequestedAt time.Time              `json:"requested_at"`
	Report      *EmployeeResponseStats `json:"report,omitempty"`
}

// Envelope wraps event payloads on message buses.
type Envelope[T any] struct {
	Meta Meta `json:"meta"`
	Data T    `json:"data"`
}

// Meta describes an envelope.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
}

// Event type names carried in Envelope.Meta.Type.
const (
	EventInboundMessage = "replywatch.inbound.v1"
	EventEmployeeReply  = "replywatch.reply.v1"
	EventNotification   = "replywatch.notification.v1"
)

// InboundEvent announces a client message routed to an employee.
type InboundEvent struct {
	ExternalID string    `json:"external_id"`
	ClientRef  string    `json:"client_ref"`
	EmployeeID string    `json:"employee_id"`
	ArrivedAt  time.Time `json:"arrived_at"`
}

// ReplyEvent announces an employee reply in a client conversation.
type ReplyEvent struct {
	EmployeeID string    `json:"employee_id"`
	ClientRef  string    `json:"client_ref"`
	RepliedAt  time.Time `json:"replied_at"`
}
