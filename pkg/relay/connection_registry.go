package relay

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// ConnectionRegistry maps connection ids to authenticated user ids and keeps
// the reverse user->connections index consistent. All mutations go through a
// single mutex so the two maps never diverge.
type ConnectionRegistry struct {
	mu     sync.Mutex
	byConn map[string]string
	byUser map[string]map[string]struct{}
	sinks  map[string]EventSink
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		byConn: map[string]string{},
		byUser: map[string]map[string]struct{}{},
		sinks:  map[string]EventSink{},
	}
}

// Register binds a connection to a user. Re-registering the same pair is a
// no-op; registering an id already owned by a different user fails.
func (r *ConnectionRegistry) Register(connID, userID string, sink EventSink) error {
	if connID == "" || userID == "" {
		return NewError(CodeBadPayload, "connection and user ids must be non-empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.byConn[connID]; ok {
		if owner == userID {
			return nil
		}
		return NewError(CodeAuthenticationFailed, "connection %s already registered to another user", connID)
	}
	r.byConn[connID] = userID
	set, ok := r.byUser[userID]
	if !ok {
		set = map[string]struct{}{}
		r.byUser[userID] = set
	}
	set[connID] = struct{}{}
	if sink != nil {
		r.sinks[connID] = sink
	}
	log.Debug().Str("component", "relay").Str("conn_id", connID).Str("user_id", userID).Msg("connection registered")
	return nil
}

// Unregister removes both directions of the mapping and returns the prior
// owner, or "" if the connection was unknown.
func (r *ConnectionRegistry) Unregister(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.byConn[connID]
	if !ok {
		return ""
	}
	delete(r.byConn, connID)
	delete(r.sinks, connID)
	if set, ok := r.byUser[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, userID)
		}
	}
	return userID
}

// UserFor returns the owning user of a connection, or "".
func (r *ConnectionRegistry) UserFor(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byConn[connID]
}

// ConnectionsFor returns a snapshot of a user's active connection ids.
func (r *ConnectionRegistry) ConnectionsFor(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byUser[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// SinkFor returns the registered sink for a connection, or nil.
func (r *ConnectionRegistry) SinkFor(connID string) EventSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinks[connID]
}

func (r *ConnectionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}
