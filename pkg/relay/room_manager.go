package relay

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SecondBrainUS/AssistantWebserver/pkg/persistence/chatstore"
)

// RoomManagerOptions tunes room lifecycle policy.
type RoomManagerOptions struct {
	// IdleTimeout destroys rooms with zero members and no in-flight turn
	// after this long without activity. Zero disables eviction.
	IdleTimeout time.Duration
	// EvictInterval is how often the eviction sweep runs.
	EvictInterval time.Duration
	// FunctionCallTimeout bounds client-side tool round trips.
	FunctionCallTimeout time.Duration
}

// reservation marks a room creation in flight for a chat id so concurrent
// creates for the same chat wait for the winner instead of racing. The room
// id is claimed for the build's duration too, so a concurrent create for a
// different chat cannot take the same room id.
type reservation struct {
	done chan struct{}
	room *Room
	err  error
}

// RoomManager creates, indexes, and destroys rooms. It maintains the
// chat_id->room_id index with the invariant that at most one live room exists
// per chat id. Adapter initialization happens outside the registry lock;
// losers of a concurrent create wait on the winner's reservation.
type RoomManager struct {
	mu            sync.Mutex
	rooms         map[string]*Room
	byChat        map[string]string
	reserved      map[string]*reservation
	reservedRooms map[string]struct{}

	adapters *AdapterRegistry
	store    chatstore.Store
	pub      message.Publisher
	sub      message.Subscriber
	opts     RoomManagerOptions
	logger   zerolog.Logger

	runCtx       context.Context
	evictRunning bool
}

func NewRoomManager(adapters *AdapterRegistry, store chatstore.Store, pub message.Publisher, sub message.Subscriber, opts RoomManagerOptions) *RoomManager {
	if opts.FunctionCallTimeout <= 0 {
		opts.FunctionCallTimeout = 2 * time.Minute
	}
	return &RoomManager{
		rooms:         map[string]*Room{},
		byChat:        map[string]string{},
		reserved:      map[string]*reservation{},
		reservedRooms: map[string]struct{}{},
		adapters:      adapters,
		store:         store,
		pub:           pub,
		sub:           sub,
		opts:          opts,
		logger:        log.With().Str("component", "relay").Logger(),
		runCtx:        context.Background(),
	}
}

// Start binds the manager to its process lifetime context and launches the
// idle eviction loop. Rooms' forwarder and turn goroutines live on this
// context, not on the request contexts that create them.
func (m *RoomManager) Start(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	idle, interval := m.opts.IdleTimeout, m.opts.EvictInterval
	alreadyRunning := m.evictRunning
	if idle > 0 && interval > 0 && !alreadyRunning {
		m.evictRunning = true
	}
	m.mu.Unlock()

	if idle <= 0 || interval <= 0 || alreadyRunning {
		return
	}
	go m.runEvictionLoop(ctx, interval)
}

// CreateRoom builds and registers a room for a chat. When the chat id is
// already mapped to a live room, that room is returned instead of failing; an
// explicitly requested room id that collides fails with RoomAlreadyExists.
func (m *RoomManager) CreateRoom(ctx context.Context, userID string, req CreateRoomRequest) (*Room, error) {
	kind, err := ParseBackendKind(req.BackendKind)
	if err != nil {
		return nil, err
	}
	if !m.adapters.Supports(kind) {
		return nil, NewError(CodeUnsupportedBackend, "no adapter for backend kind %q", req.BackendKind)
	}

	chatID := req.ChatID
	if chatID == "" {
		chatID = uuid.NewString()
	}
	roomID := req.RoomID
	if roomID == "" {
		roomID = uuid.NewString()
	}

	m.mu.Lock()
	if _, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return nil, NewError(CodeRoomAlreadyExists, "room %s already exists", roomID)
	}
	if existingID, ok := m.byChat[chatID]; ok {
		room := m.rooms[existingID]
		m.mu.Unlock()
		if room != nil {
			return room, nil
		}
		return nil, NewError(CodeUnknownRoom, "chat %s maps to missing room %s", chatID, existingID)
	}
	if res, ok := m.reserved[chatID]; ok {
		m.mu.Unlock()
		select {
		case <-res.done:
		case <-ctx.Done():
			return nil, WrapError(ctx.Err(), CodeInitializationFailed, "waiting for concurrent room creation")
		}
		if res.err != nil {
			return nil, res.err
		}
		return res.room, nil
	}
	if _, ok := m.reservedRooms[roomID]; ok {
		m.mu.Unlock()
		return nil, NewError(CodeRoomAlreadyExists, "room %s already exists", roomID)
	}
	res := &reservation{done: make(chan struct{})}
	m.reserved[chatID] = res
	m.reservedRooms[roomID] = struct{}{}
	runCtx := m.runCtx
	m.mu.Unlock()

	room, err := m.buildRoom(ctx, runCtx, userID, roomID, chatID, kind, req.ModelID)

	m.mu.Lock()
	delete(m.reserved, chatID)
	delete(m.reservedRooms, roomID)
	if err == nil {
		m.rooms[roomID] = room
		m.byChat[chatID] = roomID
	}
	m.mu.Unlock()

	res.room, res.err = room, err
	close(res.done)

	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("room_id", roomID).Str("chat_id", chatID).Str("backend", string(kind)).Str("model_id", req.ModelID).Msg("room created")
	return room, nil
}

// buildRoom runs the slow part of creation: chat row, adapter construction,
// adapter initialization, room goroutines. No registry lock is held here.
func (m *RoomManager) buildRoom(ctx, runCtx context.Context, userID, roomID, chatID string, kind BackendKind, modelID string) (*Room, error) {
	if _, err := m.store.FindOrCreateChat(ctx, chatID, userID, apiSourceFor(kind, modelID), modelID); err != nil {
		return nil, WrapError(err, CodeInitializationFailed, "creating chat %s", chatID)
	}

	room := newRoom(roomConfig{
		id:          roomID,
		chatID:      chatID,
		kind:        kind,
		modelID:     modelID,
		callTimeout: m.opts.FunctionCallTimeout,
		store:       m.store,
		pub:         m.pub,
		sub:         m.sub,
	})

	adapter, err := m.adapters.Build(kind, room, modelID)
	if err != nil {
		return nil, err
	}
	if err := adapter.Initialize(ctx); err != nil {
		if cerr := adapter.Cleanup(); cerr != nil {
			m.logger.Warn().Err(cerr).Str("room_id", roomID).Msg("adapter cleanup after failed init")
		}
		return nil, WrapError(err, CodeInitializationFailed, "initializing %s adapter", kind)
	}
	room.adapter = adapter

	if err := room.start(runCtx); err != nil {
		if cerr := adapter.Cleanup(); cerr != nil {
			m.logger.Warn().Err(cerr).Str("room_id", roomID).Msg("adapter cleanup after failed start")
		}
		return nil, err
	}
	return room, nil
}

// GetRoom returns the room by id, or nil.
func (m *RoomManager) GetRoom(roomID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomID]
}

// FindRoomForChat returns the live room id for a chat, or "".
func (m *RoomManager) FindRoomForChat(chatID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byChat[chatID]
}

// DestroyRoom removes the room from both indices atomically, stops its
// goroutines, runs adapter cleanup best-effort, and evicts its membership.
// Member transports stay connected.
func (m *RoomManager) DestroyRoom(roomID string) bool {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.rooms, roomID)
	delete(m.byChat, room.chatID)
	m.mu.Unlock()

	room.close()
	if err := room.adapter.Cleanup(); err != nil {
		m.logger.Warn().Err(err).Str("room_id", roomID).Msg("adapter cleanup failed")
	}
	room.pool.Clear()
	m.logger.Info().Str("room_id", roomID).Str("chat_id", room.chatID).Msg("room destroyed")
	return true
}

// RemoveConnection drops a connection from every room it joined. Rooms with
// remaining members stay alive.
func (m *RoomManager) RemoveConnection(connID, userID string) {
	for _, room := range m.snapshot() {
		room.RemoveMember(connID, userID)
	}
}

func (m *RoomManager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

func (m *RoomManager) snapshot() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (m *RoomManager) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.evictRunning = false
			m.mu.Unlock()
			return
		case now := <-ticker.C:
			m.evictIdleOnce(now)
		}
	}
}

func (m *RoomManager) evictIdleOnce(now time.Time) int {
	idle := m.opts.IdleTimeout
	if idle <= 0 {
		return 0
	}
	evicted := 0
	for _, room := range m.snapshot() {
		if !m.shouldEvict(now, idle, room) {
			continue
		}
		if m.DestroyRoom(room.id) {
			m.logger.Info().Str("room_id", room.id).Str("chat_id", room.chatID).Msg("idle room evicted")
			evicted++
		}
	}
	return evicted
}

func (m *RoomManager) shouldEvict(now time.Time, idle time.Duration, room *Room) bool {
	if !room.pool.IsEmpty() {
		return false
	}
	if room.Busy() {
		return false
	}
	last := room.LastActivity()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) >= idle
}
