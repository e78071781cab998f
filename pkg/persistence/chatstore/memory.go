package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryStore is an in-memory Store for tests and DB-less runs.
type MemoryStore struct {
	mu       sync.Mutex
	chats    map[string]*Chat
	messages map[string][]*Message
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    map[string]*Chat{},
		messages: map[string][]*Message{},
	}
}

func (s *MemoryStore) FindOrCreateChat(_ context.Context, chatID, userID, modelAPISource, modelID string) (*Chat, error) {
	if s == nil {
		return nil, errors.New("memory chat store is nil")
	}
	if strings.TrimSpace(chatID) == "" {
		return nil, errors.New("memory chat store: chatID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chats[chatID]; ok {
		cp := *c
		return &cp, nil
	}
	c := &Chat{
		ChatID:         chatID,
		UserID:         userID,
		ModelAPISource: modelAPISource,
		ModelID:        modelID,
		CreatedAt:      time.Now(),
	}
	s.chats[chatID] = c
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetChat(_ context.Context, chatID string) (*Chat, error) {
	if s == nil {
		return nil, errors.New("memory chat store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg *Message) error {
	if s == nil {
		return errors.New("memory chat store is nil")
	}
	if msg == nil {
		return errors.New("memory chat store: message is nil")
	}
	if strings.TrimSpace(msg.ChatID) == "" {
		return errors.New("memory chat store: chatID is empty")
	}
	cp := *msg
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.messages[cp.ChatID] = append(s.messages[cp.ChatID], &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, chatID string, limit int) ([]*Message, error) {
	if s == nil {
		return nil, errors.New("memory chat store is nil")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[chatID]
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
