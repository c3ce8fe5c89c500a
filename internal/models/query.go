package models

// Directory query limits.
const (
	DefaultQueryLimit = 20
	MaxQueryLimit     = 100
)

// DirectoryQuery filters the directory listing. No filters means all agents.
type DirectoryQuery struct {
	Capability string `json:"capability,omitempty"`
	Intent     string `json:"intent,omitempty"`
	Q          string `json:"q,omitempty"`
	Limit      int    `json:"limit"`
	Cursor     string `json:"cursor,omitempty"`
}

// DirectoryPage is one page of query results.
type DirectoryPage struct {
	Agents     []*AgentCard `json:"agents"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// RegisterRequest is the signed body of a directory registration.
type RegisterRequest struct {
	Card      *AgentCard `json:"card"`
	Token     string     `json:"token,omitempty"`
	Timestamp string     `json:"timestamp"`
	Signature string     `json:"signature,omitempty"`
}

// RegisterResponse is returned on successful registration.
type RegisterResponse struct {
	AgentID   string `json:"agent_id"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}
