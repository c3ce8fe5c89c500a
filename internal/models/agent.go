package models

import (
	"slices"
	"time"
)

// ProtocolVersion is the wire version carried in the "squadklaw" field.
const ProtocolVersion = "0.1.0"

// Access-control modes.
const (
	AccessOpen      = "open"
	AccessAllowlist = "allowlist"
	AccessApproval  = "approval"
)

// AgentCard is an agent's public identity document.
type AgentCard struct {
	Protocol      string            `json:"squadklaw"`
	AgentID       string            `json:"agent_id"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Owner         *Owner            `json:"owner,omitempty"`
	Endpoint      string            `json:"endpoint"`
	PublicKey     string            `json:"public_key"`
	Capabilities  []string          `json:"capabilities"`
	Intents       []string          `json:"intents"`
	Availability  *Availability     `json:"availability,omitempty"`
	AccessControl *AccessControl    `json:"access_control,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Owner identifies the human or organisation behind an agent.
type Owner struct {
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
}

// Availability describes when an agent is expected to answer.
type Availability struct {
	Timezone    string `json:"timezone,omitempty" yaml:"timezone"`
	Hours       string `json:"hours,omitempty" yaml:"hours"`
	ResponseSLA string `json:"response_sla,omitempty" yaml:"response_sla"`
}

// AccessControl is the inbound message policy embedded in a card.
// Allowlist is only consulted in allowlist mode; Block applies in every mode.
type AccessControl struct {
	Mode      string   `json:"mode"`
	Allowlist []string `json:"allowlist,omitempty"`
	Block     []string `json:"block,omitempty"`
}

// Policy returns the card's access policy, defaulting to open.
func (c *AgentCard) Policy() AccessControl {
	if c.AccessControl == nil {
		return AccessControl{Mode: AccessOpen}
	}
	return *c.AccessControl
}

// HasIntent reports whether the card advertises intent.
func (c *AgentCard) HasIntent(intent string) bool {
	return slices.Contains(c.Intents, intent)
}

// HasCapability reports whether the card advertises capability.
func (c *AgentCard) HasCapability(capability string) bool {
	return slices.Contains(c.Capabilities, capability)
}

// Clone returns a deep copy so callers can reissue a card without
// mutating the original.
func (c *AgentCard) Clone() *AgentCard {
	out := *c
	out.Capabilities = slices.Clone(c.Capabilities)
	out.Intents = slices.Clone(c.Intents)
	if c.Owner != nil {
		o := *c.Owner
		out.Owner = &o
	}
	if c.Availability != nil {
		a := *c.Availability
		out.Availability = &a
	}
	if c.AccessControl != nil {
		ac := *c.AccessControl
		ac.Allowlist = slices.Clone(c.AccessControl.Allowlist)
		ac.Block = slices.Clone(c.AccessControl.Block)
		out.AccessControl = &ac
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Registration is a directory record: a card plus its lease.
type Registration struct {
	Card         *AgentCard `json:"card"`
	ListingKey   string     `json:"-"`
	TokenHash    string     `json:"-"`
	RegisteredAt time.Time  `json:"registered_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

// Expired reports whether the lease ran out at now.
func (r *Registration) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
