package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MemberPool tracks the sinks currently joined to one room and centralizes
// event delivery. Delivery is drop-on-failure per sink so one dead connection
// never blocks the rest. Membership is a room property: clearing the pool
// never closes the underlying transports.
type MemberPool struct {
	roomID string

	mu           sync.Mutex
	members      map[string]EventSink
	lastActivity time.Time
	onFailure    func(connID string)
}

func NewMemberPool(roomID string, onFailure func(connID string)) *MemberPool {
	return &MemberPool{
		roomID:       roomID,
		members:      map[string]EventSink{},
		lastActivity: time.Now(),
		onFailure:    onFailure,
	}
}

func (p *MemberPool) Add(sink EventSink) {
	if p == nil || sink == nil {
		return
	}
	p.mu.Lock()
	p.members[sink.ID()] = sink
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

// Remove drops a member. Removing a non-member is a no-op.
func (p *MemberPool) Remove(connID string) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	_, ok := p.members[connID]
	delete(p.members, connID)
	p.lastActivity = time.Now()
	p.mu.Unlock()
	return ok
}

func (p *MemberPool) Contains(connID string) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.members[connID]
	return ok
}

// Deliver writes data to each listed member still in the pool. Recipients who
// left since the list was snapshotted are skipped; sinks that fail to accept
// the write are dropped.
func (p *MemberPool) Deliver(data []byte, recipientIDs []string) {
	if p == nil || len(data) == 0 {
		return
	}
	var failed []string
	p.mu.Lock()
	for _, id := range recipientIDs {
		sink, ok := p.members[id]
		if !ok {
			continue
		}
		if err := sink.Send(data); err != nil {
			log.Warn().Err(err).Str("component", "relay").Str("room_id", p.roomID).Str("conn_id", id).Msg("delivery failed, dropping member")
			delete(p.members, id)
			failed = append(failed, id)
		}
	}
	p.lastActivity = time.Now()
	onFailure := p.onFailure
	p.mu.Unlock()
	if onFailure != nil {
		for _, id := range failed {
			onFailure(id)
		}
	}
}

// SendTo delivers data to a single member; non-members are ignored.
func (p *MemberPool) SendTo(connID string, data []byte) {
	if p == nil || len(data) == 0 {
		return
	}
	p.mu.Lock()
	sink, ok := p.members[connID]
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := sink.Send(data); err != nil {
		log.Warn().Err(err).Str("component", "relay").Str("room_id", p.roomID).Str("conn_id", connID).Msg("send failed, dropping member")
		p.Remove(connID)
	}
}

func (p *MemberPool) Count() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

func (p *MemberPool) IsEmpty() bool {
	return p.Count() == 0
}

// Clear evicts all members without touching their transports.
func (p *MemberPool) Clear() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.members = map[string]EventSink{}
	p.mu.Unlock()
}

func (p *MemberPool) Touch() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

func (p *MemberPool) LastActivity() time.Time {
	if p == nil {
		return time.Time{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// MemberIDs returns a snapshot of current member connection ids.
func (p *MemberPool) MemberIDs() []string {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.members))
	for id := range p.members {
		out = append(out, id)
	}
	return out
}
