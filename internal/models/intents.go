package models

import (
	"encoding/json"
	"fmt"
)

// Standard intents. Any other non-empty string is an extension intent.
const (
	IntentSchedule    = "schedule"
	IntentMessage     = "message"
	IntentRequestInfo = "request_info"
	IntentHandoff     = "handoff"
)

// StandardIntents is the vocabulary every agent is expected to understand.
var StandardIntents = []string{IntentSchedule, IntentMessage, IntentRequestInfo, IntentHandoff}

// Negotiation actions carried in payload.action.
const (
	ActionPropose      = "propose"
	ActionCounter      = "counter"
	ActionAccept       = "accept"
	ActionReject       = "reject"
	ActionAcknowledged = "acknowledged"
)

// ScheduleEvent is the event block of scheduling payloads.
type ScheduleEvent struct {
	Title         string   `json:"title,omitempty"`
	ProposedTimes []string `json:"proposed_times,omitempty"`
	SelectedTime  string   `json:"selected_time,omitempty"`
	Duration      string   `json:"duration,omitempty"`
	Location      string   `json:"location,omitempty"`
}

// SchedulePayload is the payload vocabulary of the schedule intent.
type SchedulePayload struct {
	Action string         `json:"action"`
	Event  *ScheduleEvent `json:"event,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Propose builds a propose payload.
func Propose(title, duration string, times ...string) SchedulePayload {
	return SchedulePayload{
		Action: ActionPropose,
		Event:  &ScheduleEvent{Title: title, ProposedTimes: times, Duration: duration},
	}
}

// Counter builds a counter payload.
func Counter(selected, duration, location string) SchedulePayload {
	return SchedulePayload{
		Action: ActionCounter,
		Event:  &ScheduleEvent{SelectedTime: selected, Duration: duration, Location: location},
	}
}

// Accept builds an accept payload.
func Accept() SchedulePayload { return SchedulePayload{Action: ActionAccept} }

// Reject builds a reject payload.
func Reject(reason string) SchedulePayload {
	return SchedulePayload{Action: ActionReject, Reason: reason}
}

// Map converts the payload into the generic message payload form.
func (p SchedulePayload) Map() map[string]any {
	return ToPayload(p)
}

// ToPayload converts any JSON-encodable value into a message payload.
// It panics if v does not encode to a JSON object.
func ToPayload(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("payload: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("payload: %v", err))
	}
	return out
}

// ParseSchedule decodes a message payload as a schedule payload.
func ParseSchedule(payload map[string]any) (SchedulePayload, error) {
	var p SchedulePayload
	data, err := json.Marshal(payload)
	if err != nil {
		return p, err
	}
	err = json.Unmarshal(data, &p)
	return p, err
}
