package store

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

type Session struct {
	ID        string    `json:"id"` // UUID
	UserID    int64     `json:"user_id"`
	Title     *string   `json:"title"` // Nullable until the first exchange suggests one
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID        string    `json:"id"` // UUID
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is an entry of the searchable knowledge store.
type Document struct {
	ID            string         `json:"id"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata"`
	EffectiveFrom *time.Time     `json:"effective_from,omitempty"`
	Embedding     []float32      `json:"-"` // internal, never sent to clients
	CreatedAt     time.Time      `json:"created_at"`
}

// Type returns the metadata type discriminator.
func (d *Document) Type() string {
	if t, ok := d.Metadata["type"].(string); ok {
		return t
	}
	return ""
}

type QueryLog struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	SessionID *string   `json:"session_id"`
	Query     string    `json:"query"`
	LatencyMS int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}
