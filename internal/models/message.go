package models

import "time"

// TimestampFormat is how outgoing message timestamps are rendered
// (UTC, millisecond precision, ISO-8601).
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Message is the unit of exchange between two agents.
type Message struct {
	Protocol       string         `json:"squadklaw"`
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	From           string         `json:"from"`
	To             string         `json:"to"`
	Timestamp      string         `json:"timestamp"`
	Intent         string         `json:"intent"`
	Payload        map[string]any `json:"payload"`
	Signature      string         `json:"signature,omitempty"`
}

// Action returns payload.action when it is a string.
func (m *Message) Action() string {
	if m.Payload == nil {
		return ""
	}
	action, _ := m.Payload["action"].(string)
	return action
}

// Time parses the message timestamp.
func (m *Message) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, m.Timestamp)
}

// FormatTimestamp renders t the way outgoing messages carry it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}
