package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"

	"agencyops.com/corporate-brain/internal/domain"
	"agencyops.com/corporate-brain/internal/store"
	"agencyops.com/corporate-brain/internal/vector"
)

const (
	NumRelevantChunks   = 5   // Number of documents to retrieve for context
	SimilarityThreshold = 0.7 // Minimum similarity score to consider a document relevant

	// Agent override widens the search: no threshold, more documents.
	overrideChunks    = 10
	overrideThreshold = -1

	historyWindow = 5

	rememberPrefix = "remember:"

	// ownerKey is set server-side on every ingested document.
	ownerKey = "owner_id"
)

var (
	ErrEmptyQuery   = errors.New("query cannot be empty")
	ErrEmptyContent = errors.New("content cannot be empty")
	ErrMissingType  = errors.New("metadata.type is required")

	// ErrInvalidMetadata wraps metadata values that cannot be interpreted.
	ErrInvalidMetadata = errors.New("invalid metadata")
)

// DocumentStore is the persistence the retrieval service needs.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *store.Document) error
	GetAllDocuments(ctx context.Context) ([]store.Document, []error, error)
	ClearDocumentsOfType(ctx context.Context, docType string) (int64, error)
	GetSession(ctx context.Context, sessionID string, userID int64) (*store.Session, error)
	LastMessages(ctx context.Context, sessionID string, n int) ([]store.Message, error)
	CreateQueryLog(ctx context.Context, userID int64, sessionID *string, query string, latency time.Duration) (string, error)
}

// RAGService answers queries over the knowledge store and ingests new
// documents into it.
type RAGService struct {
	dbStore DocumentStore
	llm     LLM
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.RWMutex
	documents []store.Document // In-memory cache of documents and their embeddings
}

func NewRAGService(ctx context.Context, db DocumentStore, llm LLM, logger *zap.Logger) (*RAGService, error) {
	s := &RAGService{dbStore: db, llm: llm, logger: logger, now: time.Now}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the document cache with the store's contents.
func (s *RAGService) Reload(ctx context.Context) error {
	docs, warnings, err := s.dbStore.GetAllDocuments(ctx)
	if err != nil {
		return fmt.Errorf("failed to load documents for RAG service: %w", err)
	}
	for _, w := range warnings {
		s.logger.Warn("document not searchable", zap.Error(w))
	}
	if len(docs) == 0 {
		s.logger.Warn("RAG service has no documents; run the server with -ingest to load the knowledge base")
	} else {
		s.logger.Info("RAG service loaded documents", zap.Int("count", len(docs)))
	}

	s.mu.Lock()
	s.documents = docs
	s.mu.Unlock()
	return nil
}

func (s *RAGService) DocumentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents)
}

// Answer runs one retrieval query for userID.
func (s *RAGService) Answer(ctx context.Context, userID int64, req domain.QueryRequest) (*domain.QueryResponse, error) {
	start := s.now()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	logger := s.logger.With(zap.Int64("user_id", userID))

	if rest, ok := cutPrefixFold(query, rememberPrefix); ok {
		return s.remember(ctx, userID, req, strings.TrimSpace(rest), start)
	}

	today, loc := clientDay(req, start)
	var rpcs []string

	var session *store.Session
	var history []store.Message
	if req.SessionID != nil && *req.SessionID != "" {
		var err error
		session, err = s.dbStore.GetSession(ctx, *req.SessionID, userID)
		rpcs = append(rpcs, "get_session")
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if session == nil {
			return nil, store.ErrSessionNotFound
		}
		history, err = s.dbStore.LastMessages(ctx, session.ID, historyWindow+1)
		rpcs = append(rpcs, "last_messages")
		if err != nil {
			// Answer without history rather than failing the query.
			logger.Warn("failed to load session history", zap.String("session_id", session.ID), zap.Error(err))
			history = nil
		}
		history = trimHistory(history, query)
	}

	queryEmbedding, err := s.llm.GetEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get query embedding: %w", err)
	}

	threshold, k := float32(SimilarityThreshold), NumRelevantChunks
	if req.AgentOverride {
		threshold, k = overrideThreshold, overrideChunks
	}
	matches := vector.TopK(queryEmbedding, s.visibleDocuments(userID, today), func(d store.Document) []float32 { return d.Embedding }, threshold, k)
	rpcs = append(rpcs, "match_documents")
	logger.Debug("retrieved documents", zap.Int("matches", len(matches)), zap.Bool("agent_override", req.AgentOverride))

	completion, err := s.llm.GetChatCompletion(ctx, Prompt{
		History:  toGenaiHistory(history),
		Question: buildQuestion(query, matches),
		Today:    today,
		TimeZone: loc.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get LLM completion: %w", err)
	}

	meta := &domain.Meta{CostEst: completion.CostUSD()}
	if session != nil && (session.Title == nil || *session.Title == "") {
		title, err := s.llm.GenerateTitleForChat(ctx, query)
		if err != nil {
			logger.Warn("failed to suggest session title", zap.String("session_id", session.ID), zap.Error(err))
		} else {
			meta.SuggestedSessionTitle = title
		}
	}

	s.finishMeta(ctx, logger, meta, userID, req.SessionID, query, start, rpcs)

	documents := make([]domain.Document, 0, len(matches))
	for _, m := range matches {
		documents = append(documents, toDomainDocument(m.Item, m.Similarity))
	}
	return &domain.QueryResponse{Answer: completion.Text, Documents: documents, Meta: meta}, nil
}

// remember stores an explicit user memory instead of answering.
func (s *RAGService) remember(ctx context.Context, userID int64, req domain.QueryRequest, content string, start time.Time) (*domain.QueryResponse, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	metadata := map[string]any{
		"type":   domain.DocTypeManualMemory,
		"source": "remember_command",
		"scope":  "user",
	}
	if req.SessionID != nil {
		metadata["session_id"] = *req.SessionID
	}
	doc, err := s.Ingest(ctx, userID, content, metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to save memory: %w", err)
	}

	meta := &domain.Meta{MemorySaved: true, MemoryScope: "user"}
	s.finishMeta(ctx, s.logger, meta, userID, req.SessionID, req.Query, start, []string{"insert_document"})
	return &domain.QueryResponse{
		Answer:    "Got it. I'll remember that: " + content,
		Documents: []domain.Document{toDomainDocument(*doc, 1)},
		Meta:      meta,
	}, nil
}

func (s *RAGService) finishMeta(ctx context.Context, logger *zap.Logger, meta *domain.Meta, userID int64, sessionID *string, query string, start time.Time, rpcs []string) {
	latency := s.now().Sub(start)
	meta.LatencyMS = latency.Milliseconds()
	logID, err := s.dbStore.CreateQueryLog(ctx, userID, sessionID, query, latency)
	if err != nil {
		logger.Warn("failed to write query log", zap.Error(err))
	} else {
		meta.LogID = logID
		rpcs = append(rpcs, "insert_query_log")
	}
	meta.ExecutedDBRPCs = rpcs
}

// Ingest embeds content and adds it to the knowledge store on behalf of
// userID. The document's owner is always the caller.
func (s *RAGService) Ingest(ctx context.Context, userID int64, content string, metadata map[string]any) (*store.Document, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if t, _ := metadata["type"].(string); t == "" {
		return nil, ErrMissingType
	}

	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[ownerKey] = userID

	effectiveFrom, err := store.ParseEffectiveFrom(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	embedding, err := s.llm.GetEmbedding(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("failed to embed document: %w", err)
	}

	doc := &store.Document{Content: content, Metadata: meta, EffectiveFrom: effectiveFrom, Embedding: embedding}
	if err := s.dbStore.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}

	s.mu.Lock()
	s.documents = append(s.documents, *doc)
	s.mu.Unlock()
	return doc, nil
}

// visibleDocuments returns the documents userID may see on day today.
func (s *RAGService) visibleDocuments(userID int64, today string) []store.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visible := make([]store.Document, 0, len(s.documents))
	for _, d := range s.documents {
		if d.EffectiveFrom != nil && d.EffectiveFrom.Format(domain.DateLayout) > today {
			continue
		}
		switch d.Type() {
		case domain.DocTypeChatLog, domain.DocTypeManualMemory:
			if owner, ok := ownerOf(d.Metadata); !ok || owner != userID {
				continue
			}
		}
		visible = append(visible, d)
	}
	return visible
}

// clientDay resolves the caller's calendar day and zone, falling back to the
// server clock in UTC.
func clientDay(req domain.QueryRequest, now time.Time) (string, *time.Location) {
	loc := time.UTC
	if req.ClientTZ != "" {
		if l, err := time.LoadLocation(req.ClientTZ); err == nil {
			loc = l
		}
	}
	if _, err := time.Parse(domain.DateLayout, req.ClientToday); err == nil {
		return req.ClientToday, loc
	}
	return now.In(loc).Format(domain.DateLayout), loc
}

// trimHistory drops the current query if the caller already stored it as the
// latest message, and keeps the last historyWindow messages.
func trimHistory(history []store.Message, query string) []store.Message {
	if n := len(history); n > 0 {
		last := history[n-1]
		if last.Role == store.RoleUser && strings.TrimSpace(last.Content) == query {
			history = history[:n-1]
		}
	}
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	return history
}

func toGenaiHistory(history []store.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		role := "user"
		if msg.Role == store.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return contents
}

func buildQuestion(query string, matches []vector.Scored[store.Document]) string {
	if len(matches) == 0 {
		return fmt.Sprintf("Based on our previous conversation (if any), and noting that no stored documents matched this question, please answer: %s", query)
	}
	var contextBuilder strings.Builder
	for i, m := range matches {
		fmt.Fprintf(&contextBuilder, "[%d] (%s", i+1, orUnknown(m.Item.Type()))
		if m.Item.EffectiveFrom != nil {
			fmt.Fprintf(&contextBuilder, ", effective from %s", m.Item.EffectiveFrom.Format(domain.DateLayout))
		}
		contextBuilder.WriteString(")\n")
		contextBuilder.WriteString(m.Item.Content)
		contextBuilder.WriteString("\n\n")
	}
	return fmt.Sprintf("Based on our previous conversation and the following relevant documents from the corporate memory:\n\n--- CONTEXT START ---\n%s\n--- CONTEXT END ---\n\nNow, please answer my question: %s",
		strings.TrimSpace(contextBuilder.String()), query)
}

func toDomainDocument(d store.Document, similarity float32) domain.Document {
	sim := similarity
	return domain.Document{ID: d.ID, Content: d.Content, Metadata: d.Metadata, Similarity: &sim}
}

// ownerOf reads the owner id, which is an int64 in memory and a float64 after
// a JSON round trip through the store.
func ownerOf(metadata map[string]any) (int64, bool) {
	switch v := metadata[ownerKey].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
