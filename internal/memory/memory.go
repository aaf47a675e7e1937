// Package memory provides conversation history storage for multi-turn RAG
// interactions, persisted in the shared cache so history survives across
// gateway replicas and process restarts.
package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/ragctl/internal/cache"
)

// Message represents a single message in a conversation.
type Message struct {
	Role      string `json:"role"` // "user" or "assistant"
	Content   string `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation holds the message history for a session.
type Conversation struct {
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store provides cache-backed conversation storage, scoped per tenant so one
// tenant's sessions can never leak into another's prompts.
type Store struct {
	cache       *cache.Cache
	maxMessages int           // Max messages per conversation
	ttl         time.Duration // Conversation expiry after last activity
}

// NewStore creates a new conversation memory store.
func NewStore(c *cache.Cache, maxMessages int, ttl time.Duration) *Store {
	return &Store{cache: c, maxMessages: maxMessages, ttl: ttl}
}

// DefaultStore creates a store with sensible defaults.
// - Max 20 messages per conversation (10 turns)
// - 1 hour TTL (session expires after 1 hour of inactivity)
func DefaultStore(c *cache.Cache) *Store {
	return NewStore(c, 20, 1*time.Hour)
}

func conversationKey(sessionID string) string {
	return "conversation:" + sessionID
}

// AddUserMessage appends a user message to the conversation.
func (s *Store) AddUserMessage(ctx context.Context, tenantID uuid.UUID, sessionID, content string) error {
	return s.addMessage(ctx, tenantID, sessionID, "user", content)
}

// AddAssistantMessage appends an assistant message to the conversation.
func (s *Store) AddAssistantMessage(ctx context.Context, tenantID uuid.UUID, sessionID, content string) error {
	return s.addMessage(ctx, tenantID, sessionID, "assistant", content)
}

func (s *Store) addMessage(ctx context.Context, tenantID uuid.UUID, sessionID, role, content string) error {
	conv, err := s.getConversation(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	if conv == nil {
		conv = &Conversation{CreatedAt: time.Now()}
	}

	conv.Messages = append(conv.Messages, Message{Role: role, Content: content, Timestamp: time.Now()})
	conv.UpdatedAt = time.Now()

	if len(conv.Messages) > s.maxMessages {
		conv.Messages = conv.Messages[len(conv.Messages)-s.maxMessages:]
	}

	return s.putConversation(ctx, tenantID, sessionID, conv)
}

func (s *Store) getConversation(ctx context.Context, tenantID uuid.UUID, sessionID string) (*Conversation, error) {
	raw, err := s.cache.Get(ctx, tenantID.String(), conversationKey(sessionID))
	if err != nil {
		if err == cache.ErrNil {
			return nil, nil
		}
		return nil, err
	}

	var conv Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Store) putConversation(ctx context.Context, tenantID uuid.UUID, sessionID string, conv *Conversation) error {
	raw, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, tenantID.String(), conversationKey(sessionID), string(raw), s.ttl)
}

// GetHistory returns the conversation history for a session, or nil if the
// session doesn't exist or has expired.
func (s *Store) GetHistory(ctx context.Context, tenantID uuid.UUID, sessionID string) ([]Message, error) {
	conv, err := s.getConversation(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, nil
	}
	return conv.Messages, nil
}

// GetRecentHistory returns the last n messages for context window management.
func (s *Store) GetRecentHistory(ctx context.Context, tenantID uuid.UUID, sessionID string, n int) ([]Message, error) {
	history, err := s.GetHistory(ctx, tenantID, sessionID)
	if err != nil || history == nil || len(history) <= n {
		return history, err
	}
	return history[len(history)-n:], nil
}

// ClearSession removes a conversation from memory.
func (s *Store) ClearSession(ctx context.Context, tenantID uuid.UUID, sessionID string) error {
	return s.cache.Delete(ctx, tenantID.String(), conversationKey(sessionID))
}

// FormatForPrompt formats the conversation history for inclusion in an LLM prompt.
// Returns empty string if no history exists.
func FormatForPrompt(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}

	var result string
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			result += "User: " + msg.Content + "\n"
		case "assistant":
			result += "Assistant: " + msg.Content + "\n"
		}
	}
	return result
}
