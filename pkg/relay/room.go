package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SecondBrainUS/AssistantWebserver/pkg/persistence/chatstore"
)

const (
	// recipient metadata key on room-topic messages. The recipient set is
	// snapshotted at publish time, so connections that join after an event
	// was published never receive it and senders don't get echoes.
	metaRecipients = "recipients"

	turnQueueSize = 64
)

// RoomTopic is the pub/sub topic carrying one room's broadcast events.
func RoomTopic(roomID string) string {
	return "room." + roomID
}

// Room owns one conversation: membership, ordered message relay, the pending
// function-call table, and its backend adapter. All room-wide events flow
// through a single pub/sub topic consumed by one forwarder goroutine, which
// preserves emission order; inbound turns run on a single worker goroutine so
// the adapter never sees overlapping turns.
type Room struct {
	id          string
	chatID      string
	kind        BackendKind
	modelID     string
	apiSource   string
	createdAt   time.Time
	callTimeout time.Duration

	pool    *MemberPool
	pending *pendingCallTable
	store   chatstore.Store
	pub     message.Publisher
	sub     message.Subscriber
	logger  zerolog.Logger

	adapter Adapter

	seq    atomic.Uint64
	busy   atomic.Bool
	turns  chan *chatstore.Message
	closed chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

type roomConfig struct {
	id          string
	chatID      string
	kind        BackendKind
	modelID     string
	callTimeout time.Duration
	store       chatstore.Store
	pub         message.Publisher
	sub         message.Subscriber
}

func newRoom(cfg roomConfig) *Room {
	r := &Room{
		id:          cfg.id,
		chatID:      cfg.chatID,
		kind:        cfg.kind,
		modelID:     cfg.modelID,
		apiSource:   apiSourceFor(cfg.kind, cfg.modelID),
		createdAt:   time.Now(),
		callTimeout: cfg.callTimeout,
		pending:     newPendingCallTable(),
		store:       cfg.store,
		pub:         cfg.pub,
		sub:         cfg.sub,
		logger:      log.With().Str("component", "relay").Str("room_id", cfg.id).Str("chat_id", cfg.chatID).Logger(),
		turns:       make(chan *chatstore.Message, turnQueueSize),
		closed:      make(chan struct{}),
	}
	r.pool = NewMemberPool(cfg.id, nil)
	return r
}

// apiSourceFor derives the provider tag stored with messages from a
// "provider:model" id, falling back to the backend kind.
func apiSourceFor(kind BackendKind, modelID string) string {
	if provider, _, ok := strings.Cut(modelID, ":"); ok && provider != "" {
		return provider
	}
	return string(kind)
}

func (r *Room) ID() string        { return r.id }
func (r *Room) RoomID() string    { return r.id }
func (r *Room) ChatID() string    { return r.chatID }
func (r *Room) ModelID() string   { return r.modelID }
func (r *Room) Kind() BackendKind { return r.kind }
func (r *Room) MemberCount() int  { return r.pool.Count() }

func (r *Room) LastActivity() time.Time {
	return r.pool.LastActivity()
}

// Busy reports whether a backend turn is in flight or queued.
func (r *Room) Busy() bool {
	return r.busy.Load() || len(r.turns) > 0
}

// start launches the broadcast forwarder and the turn worker. The manager
// calls it exactly once, after adapter initialization succeeded.
func (r *Room) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	msgs, err := r.sub.Subscribe(ctx, RoomTopic(r.id))
	if err != nil {
		cancel()
		return WrapError(err, CodeInitializationFailed, "subscribing to room topic")
	}
	r.wg.Add(2)
	go r.runForwarder(msgs)
	go r.runTurnWorker(ctx)
	return nil
}

func (r *Room) runForwarder(msgs <-chan *message.Message) {
	defer r.wg.Done()
	for msg := range msgs {
		if raw := msg.Metadata.Get(metaRecipients); raw != "" {
			r.pool.Deliver(msg.Payload, strings.Split(raw, ","))
		}
		msg.Ack()
	}
}

func (r *Room) runTurnWorker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.closed:
			return
		case msg := <-r.turns:
			r.busy.Store(true)
			if err := r.adapter.HandleMessage(ctx, msg); err != nil {
				r.logger.Error().Err(err).Str("message_id", msg.MessageID).Msg("backend turn failed")
				r.broadcast(EventError, errorPayload(WrapError(err, CodeBackendProcessing, "backend failed to process message")), "")
			}
			r.busy.Store(false)
		}
	}
}

// close stops the worker goroutines and unsubscribes from the room topic.
// In-flight turns finish; queued turns are dropped. Member transports are
// left open.
func (r *Room) close() {
	r.once.Do(func() {
		close(r.closed)
		if r.cancel != nil {
			r.cancel()
		}
	})
}

// AddMember joins a connection and announces it to the existing members.
func (r *Room) AddMember(sink EventSink, userID string) {
	already := r.pool.Contains(sink.ID())
	r.pool.Add(sink)
	if !already {
		r.broadcast(EventUserJoined, MembershipPayload{RoomID: r.id, UserID: userID}, sink.ID())
	}
}

// RemoveMember drops a connection from the room. Removing a non-member is a
// no-op.
func (r *Room) RemoveMember(connID, userID string) {
	if !r.pool.Remove(connID) {
		return
	}
	r.broadcast(EventUserLeft, MembershipPayload{RoomID: r.id, UserID: userID}, connID)
}

func (r *Room) HasMember(connID string) bool {
	return r.pool.Contains(connID)
}

// HandleInboundMessage validates and persists a member's message, confirms to
// the sender, relays to the other members, and queues the backend turn.
func (r *Room) HandleInboundMessage(ctx context.Context, senderConnID, senderUserID string, in InboundMessage) (*chatstore.Message, error) {
	role := chatstore.Role(in.Role)
	if role == "" {
		role = chatstore.RoleUser
	}
	if role != chatstore.RoleUser && role != chatstore.RoleSystem {
		return nil, NewError(CodeBadPayload, "role %q cannot be sent by a client", in.Role)
	}
	if strings.TrimSpace(in.Content) == "" && len(in.FileIDs) == 0 {
		return nil, NewError(CodeBadPayload, "message content is empty")
	}

	msg := &chatstore.Message{
		MessageID:      uuid.NewString(),
		ChatID:         r.chatID,
		UserID:         senderUserID,
		ModelID:        r.modelID,
		ModelAPISource: r.apiSource,
		Role:           role,
		Type:           chatstore.MessageTypeMessage,
		Content:        in.Content,
		FileIDs:        in.FileIDs,
		Seq:            r.seq.Add(1),
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		// storage is best-effort for relay purposes
		r.logger.Error().Err(err).Str("message_id", msg.MessageID).Msg("persisting inbound message failed")
	}

	r.pool.SendTo(senderConnID, mustEnvelope(EventMessageSent, MessageSentPayload{MessageID: msg.MessageID}))
	r.broadcast(EventMessage, MessagePayload{Message: msg}, senderConnID)

	select {
	case r.turns <- msg:
	case <-r.closed:
		return nil, NewError(CodeUnknownRoom, "room %s is closed", r.id)
	case <-ctx.Done():
		return nil, WrapError(ctx.Err(), CodeBackendProcessing, "queueing message turn")
	}
	return msg, nil
}

// HandleFunctionResult settles the pending call named by callID and hands the
// outcome to the suspended adapter turn. Unknown or already-terminal call ids
// fail with UnknownCallId and change nothing.
func (r *Room) HandleFunctionResult(ctx context.Context, senderUserID string, req FunctionResultRequest) error {
	state := CallResolved
	if req.Error != "" {
		state = CallErrored
	}
	if err := r.pending.settle(req.CallID, state, req.Result, req.Error); err != nil {
		r.logger.Warn().Str("call_id", req.CallID).Str("user_id", senderUserID).Msg("function result for unknown call")
		return err
	}

	row := &chatstore.Message{
		MessageID:      uuid.NewString(),
		ChatID:         r.chatID,
		UserID:         senderUserID,
		ModelID:        r.modelID,
		ModelAPISource: r.apiSource,
		Role:           chatstore.RoleUser,
		Type:           chatstore.MessageTypeFunctionResult,
		CallID:         req.CallID,
		Result:         req.Result,
		Seq:            r.seq.Add(1),
		CreatedAt:      time.Now().UTC(),
	}
	if req.Error != "" {
		row.Content = req.Error
	}
	if err := r.store.SaveMessage(ctx, row); err != nil {
		r.logger.Error().Err(err).Str("call_id", req.CallID).Msg("persisting function result failed")
	}
	return nil
}

// broadcast publishes a room-wide event onto the room topic, addressed to the
// members present right now minus excludeConnID. The forwarder delivers it to
// exactly that snapshot.
func (r *Room) broadcast(event string, payload any, excludeConnID string) {
	recipients := r.pool.MemberIDs()
	if excludeConnID != "" {
		kept := recipients[:0]
		for _, id := range recipients {
			if id != excludeConnID {
				kept = append(kept, id)
			}
		}
		recipients = kept
	}
	if len(recipients) == 0 {
		return
	}

	data, err := NewEnvelope(event, payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("encoding broadcast event")
		return
	}
	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set(metaRecipients, strings.Join(recipients, ","))
	if err := r.pub.Publish(RoomTopic(r.id), msg); err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("publishing broadcast event")
	}
}

// SendScoped delivers an event to a single member only.
func (r *Room) SendScoped(connID, event string, payload any) {
	data, err := NewEnvelope(event, payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("encoding scoped event")
		return
	}
	r.pool.SendTo(connID, data)
}

// RoomEvents implementation consumed by adapters.

func (r *Room) EmitAssistantMessage(ctx context.Context, msg *chatstore.Message) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	msg.ChatID = r.chatID
	msg.ModelID = r.modelID
	msg.ModelAPISource = r.apiSource
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Seq = r.seq.Add(1)
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		r.logger.Error().Err(err).Str("message_id", msg.MessageID).Msg("persisting assistant message failed")
	}
	r.broadcast(EventMessage, MessagePayload{Message: msg}, "")
}

func (r *Room) EmitStreamStart(messageID string) {
	r.broadcast(EventStreamStart, StreamStartPayload{MessageID: messageID}, "")
}

func (r *Room) EmitStreamChunk(messageID, content string, done bool) {
	r.broadcast(EventStreamChunk, StreamChunkPayload{MessageID: messageID, Content: content, Done: done}, "")
}

func (r *Room) EmitStreamEnd(messageID string) {
	r.broadcast(EventStreamEnd, StreamEndPayload{MessageID: messageID}, "")
}

func (r *Room) EmitStreamError(messageID string, errMsg string) {
	r.broadcast(EventStreamError, StreamErrorPayload{MessageID: messageID, Error: errMsg}, "")
}

func (r *Room) IssueFunctionCall(name string, args json.RawMessage) (string, <-chan FunctionOutcome) {
	callID := uuid.NewString()
	outcome := r.pending.issue(callID, name, args)

	row := &chatstore.Message{
		MessageID:      uuid.NewString(),
		ChatID:         r.chatID,
		ModelID:        r.modelID,
		ModelAPISource: r.apiSource,
		Role:           chatstore.RoleAssistant,
		Type:           chatstore.MessageTypeFunctionCall,
		Name:           name,
		Arguments:      string(args),
		CallID:         callID,
		Seq:            r.seq.Add(1),
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.SaveMessage(context.Background(), row); err != nil {
		r.logger.Error().Err(err).Str("call_id", callID).Msg("persisting function call failed")
	}

	r.broadcast(EventFunctionCall, FunctionCallPayload{CallID: callID, FunctionName: name, Arguments: args}, "")
	return callID, outcome
}

func (r *Room) TimeoutFunctionCall(callID string) {
	if err := r.pending.settle(callID, CallTimedOut, nil, "function call timed out"); err != nil {
		return
	}
	r.logger.Warn().Str("call_id", callID).Msg("function call timed out")
	r.broadcast(EventError, ErrorPayload{Code: CodeFunctionCallTimeout, Message: "function call " + callID + " timed out"}, "")
}

func (r *Room) FailFunctionCall(callID, reason string) {
	if err := r.pending.settle(callID, CallErrored, nil, reason); err != nil {
		return
	}
	r.logger.Warn().Str("call_id", callID).Str("reason", reason).Msg("function call abandoned")
	r.broadcast(EventError, ErrorPayload{Code: CodeBackendProcessing, Message: "function call " + callID + " failed: " + reason}, "")
}

// CallTimeout is how long an adapter waits on a function-call round trip.
func (r *Room) CallTimeout() time.Duration {
	if r.callTimeout <= 0 {
		return 2 * time.Minute
	}
	return r.callTimeout
}

func (r *Room) History(ctx context.Context, limit int) ([]*chatstore.Message, error) {
	return r.store.ListMessages(ctx, r.chatID, limit)
}

var _ RoomEvents = (*Room)(nil)
