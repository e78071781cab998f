package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/SecondBrainUS/AssistantWebserver/pkg/persistence/chatstore"
)

// stubSink records every frame sent to it and can be told to fail.
type stubSink struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func newStubSink(id string) *stubSink {
	return &stubSink{id: id}
}

func (s *stubSink) ID() string { return s.id }

func (s *stubSink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink write failure")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *stubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *stubSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// events decodes every received frame into envelopes.
func (s *stubSink) events() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, 0, len(s.frames))
	for _, f := range s.frames {
		var env Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (s *stubSink) eventNames() []string {
	evs := s.events()
	names := make([]string, 0, len(evs))
	for _, e := range evs {
		names = append(names, e.Event)
	}
	return names
}

func (s *stubSink) hasEvent(name string) bool {
	for _, e := range s.events() {
		if e.Event == name {
			return true
		}
	}
	return false
}

func (s *stubSink) lastEvent(name string) (Envelope, bool) {
	evs := s.events()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Event == name {
			return evs[i], true
		}
	}
	return Envelope{}, false
}

func waitForEvent(t *testing.T, sink *stubSink, name string) Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return sink.hasEvent(name)
	}, 2*time.Second, 10*time.Millisecond, "waiting for %s on %s, got %v", name, sink.id, sink.eventNames())
	env, _ := sink.lastEvent(name)
	return env
}

// stubAdapter implements Adapter with scripted behavior.
type stubAdapter struct {
	initErr  error
	initFn   func(ctx context.Context) error
	handleFn func(ctx context.Context, msg *chatstore.Message) error

	mu       sync.Mutex
	inits    int
	cleanups int
	handled  []*chatstore.Message
}

func (a *stubAdapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	a.inits++
	fn := a.initFn
	a.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return a.initErr
}

func (a *stubAdapter) HandleMessage(ctx context.Context, msg *chatstore.Message) error {
	a.mu.Lock()
	a.handled = append(a.handled, msg)
	fn := a.handleFn
	a.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	return nil
}

func (a *stubAdapter) Cleanup() error {
	a.mu.Lock()
	a.cleanups++
	a.mu.Unlock()
	return nil
}

func (a *stubAdapter) handledCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handled)
}

// newTestManager wires a manager over an in-memory store and gochannel bus.
func newTestManager(t *testing.T, adapter Adapter, opts RoomManagerOptions) (*RoomManager, chatstore.Store) {
	t.Helper()
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ch.Close() })

	adapters := NewAdapterRegistry()
	adapters.Register(BackendSuite, func(RoomEvents, string) (Adapter, error) {
		return adapter, nil
	})
	store := chatstore.NewMemoryStore()
	m := NewRoomManager(adapters, store, ch, ch, opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.Start(ctx)
	return m, store
}

func createTestRoom(t *testing.T, m *RoomManager, chatID string) *Room {
	t.Helper()
	room, err := m.CreateRoom(context.Background(), "u1", CreateRoomRequest{
		ChatID:      chatID,
		BackendKind: string(BackendSuite),
		ModelID:     "openai:gpt-4o",
	})
	require.NoError(t, err)
	return room
}
