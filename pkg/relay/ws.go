package relay

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/SecondBrainUS/AssistantWebserver/pkg/auth"
)

// wsSink adapts one gorilla connection to EventSink. Writes are serialized
// with a mutex since gorilla allows only one concurrent writer.
type wsSink struct {
	id   string
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{id: uuid.NewString(), conn: conn}
}

func (s *wsSink) ID() string { return s.id }

func (s *wsSink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

func (s *wsSink) writeControl(messageType int, data []byte) error {
	return s.conn.WriteControl(messageType, data, time.Now().Add(5*time.Second))
}

// WSHandlerOptions configures the websocket endpoint.
type WSHandlerOptions struct {
	Upgrader     websocket.Upgrader
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

// NewWSHandler upgrades inbound connections, authenticates them, and pumps
// frames into the dispatcher. Failed authentication closes the socket before
// any registration happens.
func NewWSHandler(dispatcher *Dispatcher, verifier auth.Verifier, opts WSHandlerOptions) http.HandlerFunc {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 3 * opts.PingInterval
	}
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := opts.Upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Warn().Err(err).Str("component", "relay").Msg("ws upgrade failed")
			return
		}
		sink := newWSSink(conn)
		wsLog := log.With().
			Str("component", "relay").
			Str("remote", conn.RemoteAddr().String()).
			Str("conn_id", sink.ID()).
			Logger()

		identity, err := verifier.Verify(req.Context(), bearerToken(req))
		if err != nil {
			wsLog.Warn().Err(err).Msg("ws auth failed, closing")
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
			_ = sink.writeControl(websocket.CloseMessage, msg)
			_ = sink.Close()
			return
		}
		if err := dispatcher.Connect(sink.ID(), identity.UserID, sink); err != nil {
			wsLog.Error().Err(err).Msg("ws registration failed, closing")
			_ = sink.Close()
			return
		}
		wsLog.Info().Str("user_id", identity.UserID).Msg("ws connected")

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		})
		_ = conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))

		pingDone := make(chan struct{})
		go func() {
			ticker := time.NewTicker(opts.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-pingDone:
					return
				case <-ticker.C:
					if err := sink.writeControl(websocket.PingMessage, nil); err != nil {
						return
					}
				}
			}
		}()

		defer func() {
			close(pingDone)
			dispatcher.Disconnect(sink.ID())
			_ = sink.Close()
			wsLog.Info().Msg("ws disconnected")
		}()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
			if msgType != websocket.TextMessage || len(data) == 0 {
				continue
			}
			dispatcher.Dispatch(req.Context(), sink, data)
		}
	}
}

// bearerToken pulls the credential from the Authorization header or, for
// browser websocket clients that cannot set headers, the token query param.
func bearerToken(req *http.Request) string {
	if h := req.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return req.URL.Query().Get("token")
}
