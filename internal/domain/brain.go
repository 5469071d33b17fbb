// Package domain holds the wire contract between the assistant pipeline and
// the retrieval service.
package domain

import "time"

// ErrCodeInvalidCredential is the error code the retrieval service returns,
// with HTTP 401, when the bearer token is not accepted.
const ErrCodeInvalidCredential = "invalid_credential"

// DateLayout is the format of QueryRequest.ClientToday.
const DateLayout = "2006-01-02"

// Metadata type discriminators.
const (
	DocTypeChatLog       = "chat_log"
	DocTypeManualMemory  = "manual_memory"
	DocTypeKnowledgeBase = "knowledge_base"
)

type QueryRequest struct {
	Query         string  `json:"query"`
	SessionID     *string `json:"session_id"`
	ClientToday   string  `json:"client_today"`
	ClientTZ      string  `json:"client_tz"`
	AgentOverride bool    `json:"agent_override,omitempty"`
}

type Document struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	Similarity *float32       `json:"similarity,omitempty"`
}

type Meta struct {
	LatencyMS             int64    `json:"latency_ms"`
	CostEst               float64  `json:"cost_est"`
	LogID                 string   `json:"log_id"`
	SuggestedSessionTitle string   `json:"suggested_session_title,omitempty"`
	ExecutedDBRPCs        []string `json:"executed_db_rpcs,omitempty"`
	MemorySaved           bool     `json:"memory_saved,omitempty"`
	MemoryScope           string   `json:"memory_scope,omitempty"`
}

type QueryResponse struct {
	Answer    string     `json:"answer"`
	Documents []Document `json:"documents"`
	Meta      *Meta      `json:"meta,omitempty"`
}

type IngestRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

type IngestResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ChatTurnMetadata is the metadata attached to a conversational turn written
// to the knowledge store.
func ChatTurnMetadata(role, sessionID string, userID int64, at time.Time) map[string]any {
	return map[string]any{
		"type":       DocTypeChatLog,
		"role":       role,
		"session_id": sessionID,
		"user_id":    userID,
		"timestamp":  at.UTC().Format(time.RFC3339),
	}
}
