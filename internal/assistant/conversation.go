package assistant

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"agencyops.com/corporate-brain/internal/auth"
	"agencyops.com/corporate-brain/internal/domain"
	"agencyops.com/corporate-brain/internal/protocol"
	"agencyops.com/corporate-brain/internal/store"
)

var ErrEmptyMessage = errors.New("message content cannot be empty")

// persistTimeout bounds the writes that finish a turn after the caller's
// context is done.
const persistTimeout = 10 * time.Second

type SessionStore interface {
	CreateSession(ctx context.Context, userID int64, title *string) (*store.Session, error)
	GetSession(ctx context.Context, sessionID string, userID int64) (*store.Session, error)
	ListSessions(ctx context.Context, userID int64) ([]store.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]store.Message, error)
	AppendMessage(ctx context.Context, sessionID, role, content string) (*store.Message, error)
	UpdateSessionTitle(ctx context.Context, sessionID string, userID int64, title string) error
}

type Asker interface {
	AskBrain(ctx context.Context, id auth.Identity, q Query) Result
}

type MemoryDispatcher interface {
	AddToBrain(id auth.Identity, content string, metadata map[string]any) bool
}

// Conversation runs one chat turn end to end: persist the user message, ask
// the brain, persist the answer and hand both turns to the memory writer.
type Conversation struct {
	sessions SessionStore
	brain    Asker
	memory   MemoryDispatcher
	logger   *zap.Logger

	creating singleflight.Group
	mu       sync.Mutex
	// current session per user and client instance
	current map[string]string
}

func NewConversation(sessions SessionStore, brain Asker, memory MemoryDispatcher, logger *zap.Logger) *Conversation {
	return &Conversation{
		sessions: sessions,
		brain:    brain,
		memory:   memory,
		logger:   logger,
		current:  make(map[string]string),
	}
}

type SendRequest struct {
	// SessionID is empty to continue the instance's current session or
	// start a new one.
	SessionID string
	// ClientInstance identifies one UI instance (browser tab, CLI process).
	ClientInstance string
	Content        string
	AgentOverride  bool
	// ClientTZ is the UI's IANA time zone.
	ClientTZ       string
}

type Turn struct {
	Session          *store.Session    `json:"session"`
	UserMessage      *store.Message    `json:"user_message"`
	AssistantMessage *store.Message    `json:"assistant_message"`
	Blocks           []protocol.Block  `json:"blocks"`
	Documents        []domain.Document `json:"documents"`
	Meta             *domain.Meta      `json:"meta,omitempty"`
	Diagnostic       *Diagnostic       `json:"diagnostic,omitempty"`
}

// Send runs one turn. Persistence failures are returned; retrieval failures
// come back as a Turn carrying a Diagnostic.
func (c *Conversation) Send(ctx context.Context, id auth.Identity, req SendRequest) (*Turn, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	session, err := c.ensureSession(ctx, id.UserID, req)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With(zap.Int64("user_id", id.UserID), zap.String("session_id", session.ID))

	userMsg, err := c.sessions.AppendMessage(ctx, session.ID, store.RoleUser, content)
	if err != nil {
		return nil, fmt.Errorf("failed to store user message: %w", err)
	}
	c.remember(id, userMsg)

	result := c.brain.AskBrain(ctx, id, Query{
		Text:          content,
		SessionID:     session.ID,
		AgentOverride: req.AgentOverride,
		ClientTZ:      req.ClientTZ,
	})

	// The user message is stored, so its reply is stored too even if the
	// caller has gone away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	assistantMsg, err := c.sessions.AppendMessage(ctx, session.ID, store.RoleAssistant, result.Answer)
	if err != nil {
		return nil, fmt.Errorf("failed to store assistant message: %w", err)
	}
	if result.Diagnostic == nil {
		c.remember(id, assistantMsg)
	} else {
		logger.Info("turn answered with diagnostic", zap.String("kind", string(result.Diagnostic.Kind)))
	}

	if result.Meta != nil && result.Meta.SuggestedSessionTitle != "" && (session.Title == nil || *session.Title == "") {
		title := result.Meta.SuggestedSessionTitle
		if err := c.sessions.UpdateSessionTitle(ctx, session.ID, id.UserID, title); err != nil {
			logger.Warn("failed to save suggested title", zap.String("title", title), zap.Error(err))
		} else {
			session.Title = &title
		}
	}

	return &Turn{
		Session:          session,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Blocks:           protocol.Parse(result.Answer),
		Documents:        result.Documents,
		Meta:             result.Meta,
		Diagnostic:       result.Diagnostic,
	}, nil
}

func (c *Conversation) remember(id auth.Identity, msg *store.Message) {
	metadata := domain.ChatTurnMetadata(msg.Role, msg.SessionID, id.UserID, msg.CreatedAt)
	if !c.memory.AddToBrain(id, msg.Content, metadata) {
		c.logger.Warn("chat turn not queued for memory", zap.String("message_id", msg.ID))
	}
}

// ensureSession resolves the session of a turn. Concurrent first sends from
// the same client instance share one newly created session.
func (c *Conversation) ensureSession(ctx context.Context, userID int64, req SendRequest) (*store.Session, error) {
	if req.SessionID != "" {
		return c.ownedSession(ctx, userID, req.SessionID)
	}
	if req.ClientInstance == "" {
		session, err := c.sessions.CreateSession(ctx, userID, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		return session, nil
	}

	key := strconv.FormatInt(userID, 10) + "/" + req.ClientInstance
	// Waiters share this call, so it must not die with the first caller.
	detached := context.WithoutCancel(ctx)
	v, err, shared := c.creating.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(detached, persistTimeout)
		defer cancel()

		c.mu.Lock()
		sessionID, ok := c.current[key]
		c.mu.Unlock()
		if ok {
			session, err := c.sessions.GetSession(ctx, sessionID, userID)
			if err != nil {
				return nil, fmt.Errorf("failed to load current session: %w", err)
			}
			if session != nil {
				return session, nil
			}
		}

		session, err := c.sessions.CreateSession(ctx, userID, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		c.mu.Lock()
		c.current[key] = session.ID
		c.mu.Unlock()
		c.logger.Debug("created session", zap.Int64("user_id", userID), zap.String("client_instance", req.ClientInstance), zap.String("session_id", session.ID))
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	session := *v.(*store.Session)
	if shared {
		c.logger.Debug("session creation shared", zap.String("session_id", session.ID))
	}
	return &session, nil
}

func (c *Conversation) ownedSession(ctx context.Context, userID int64, sessionID string) (*store.Session, error) {
	session, err := c.sessions.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, store.ErrSessionNotFound
	}
	return session, nil
}

func (c *Conversation) CreateSession(ctx context.Context, userID int64, title *string) (*store.Session, error) {
	return c.sessions.CreateSession(ctx, userID, title)
}

func (c *Conversation) ListSessions(ctx context.Context, userID int64) ([]store.Session, error) {
	return c.sessions.ListSessions(ctx, userID)
}

// ListMessages returns a session's messages if userID owns it.
func (c *Conversation) ListMessages(ctx context.Context, userID int64, sessionID string) ([]store.Message, error) {
	if _, err := c.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return c.sessions.ListMessages(ctx, sessionID)
}
