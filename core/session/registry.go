// Package session owns the process-local mapping from node/client
// identity to its live transport. It is modeled the same way the
// teacher's metrics hub owns its client map: one guarded structure is
// the sole writer of the underlying maps, so reads taken for broadcast
// are always a consistent snapshot.
package session

import (
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"fleetcore/core/observability"
)

// Kind distinguishes the two session classes.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindObserver Kind = "observer"
)

// outboundDepth bounds every session's outbound queue per §4.3.
const outboundDepth = 64

// Sender is the minimal transport contract a Session needs; satisfied
// by a thin wrapper around *websocket.Conn kept outside this package so
// session stays transport-agnostic and testable without a real socket.
type Sender interface {
	Send(frame []byte) error
	Close() error
}

// Session is a live bidirectional channel between one process and the
// Core. It never outlives its transport.
type Session struct {
	NodeID    string // set for agent sessions
	ClientID  string // set for observer sessions
	Kind      Kind
	PeerAddr  string
	JoinedAt  time.Time
	outbound  chan []byte
	transport Sender
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(kind Kind, peerAddr string, transport Sender) *Session {
	return &Session{
		Kind:      kind,
		PeerAddr:  peerAddr,
		JoinedAt:  time.Now().UTC(),
		outbound:  make(chan []byte, outboundDepth),
		transport: transport,
		closed:    make(chan struct{}),
	}
}

// Enqueue attempts a non-blocking send onto the outbound queue. It
// reports false if the queue is full, the caller's cue to close the
// session with SLOW_CONSUMER.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

// Outbound exposes the queue for the session's writer loop to drain.
func (s *Session) Outbound() <-chan []byte { return s.outbound }

// Done reports session closure to the writer/reader loops.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Close shuts the underlying transport down exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.transport.Close()
	})
}

// ChangeEvent is emitted on every registry mutation for C7 to consume.
type ChangeEvent struct {
	Kind   string // node_joined, node_left, node_info_changed
	NodeID string
}

// Registry tracks live sessions and enforces at-most-one-agent-session
// per node_id.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*Session // node_id -> session
	observers map[string]*Session // client_id -> session

	events chan ChangeEvent
}

// NewRegistry builds an empty registry. events should be buffered
// generously by the caller (the observer broadcaster is the sole
// consumer and never blocks the registry on a slow read).
func NewRegistry(events chan ChangeEvent) *Registry {
	return &Registry{
		agents:    make(map[string]*Session),
		observers: make(map[string]*Session),
		events:    events,
	}
}

// AttachAgent binds transport to nodeID, displacing any incumbent
// session for the same identity per §4.3.
func (r *Registry) AttachAgent(nodeID, peerAddr string, transport Sender) *Session {
	sess := newSession(KindAgent, peerAddr, transport)
	sess.NodeID = nodeID

	r.mu.Lock()
	incumbent, had := r.agents[nodeID]
	r.agents[nodeID] = sess
	r.mu.Unlock()

	if had {
		log.Printf("session: displacing incumbent agent session for node_id=%s", nodeID)
		observability.SessionDisplacements.Inc()
		incumbent.Close()
	}
	observability.ConnectedAgents.Set(float64(r.AgentCount()))
	r.publish(ChangeEvent{Kind: "node_joined", NodeID: nodeID})
	return sess
}

// AttachObserver registers a new observer session under a fresh
// client ID and returns it.
func (r *Registry) AttachObserver(clientID, peerAddr string, transport Sender) *Session {
	sess := newSession(KindObserver, peerAddr, transport)
	sess.ClientID = clientID

	r.mu.Lock()
	r.observers[clientID] = sess
	r.mu.Unlock()
	observability.ConnectedObservers.Set(float64(r.ObserverCount()))
	return sess
}

// Detach removes a session from the registry if it is still the
// current occupant of its slot (a displaced session detaching later is
// a no-op — the new session already owns the slot).
func (r *Registry) Detach(sess *Session) {
	r.mu.Lock()
	switch sess.Kind {
	case KindAgent:
		if cur, ok := r.agents[sess.NodeID]; ok && cur == sess {
			delete(r.agents, sess.NodeID)
		}
	case KindObserver:
		if cur, ok := r.observers[sess.ClientID]; ok && cur == sess {
			delete(r.observers, sess.ClientID)
		}
	}
	r.mu.Unlock()

	sess.Close()
	observability.ConnectedAgents.Set(float64(r.AgentCount()))
	observability.ConnectedObservers.Set(float64(r.ObserverCount()))
	if sess.Kind == KindAgent {
		r.publish(ChangeEvent{Kind: "node_left", NodeID: sess.NodeID})
	}
}

// NotConnected is returned by SendTo when no agent session exists for
// the target node.
type NotConnected struct{ NodeID string }

func (e NotConnected) Error() string { return "session: node not connected: " + e.NodeID }

// SendTo enqueues frame onto the named node's outbound queue. A full
// queue closes the session (SLOW_CONSUMER) and is reported the same as
// a missing session so the dispatcher can mark the command
// undeliverable either way.
func (r *Registry) SendTo(nodeID string, frame []byte) error {
	r.mu.RLock()
	sess, ok := r.agents[nodeID]
	r.mu.RUnlock()
	if !ok {
		return NotConnected{NodeID: nodeID}
	}
	if !sess.Enqueue(frame) {
		observability.SlowConsumerDrops.WithLabelValues("agent").Inc()
		r.Detach(sess)
		return NotConnected{NodeID: nodeID}
	}
	return nil
}

// BroadcastObservers enqueues frame onto every observer session,
// dropping (and closing) any whose queue is full rather than blocking
// the broadcaster.
func (r *Registry) BroadcastObservers(frame []byte) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.observers))
	for _, s := range r.observers {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if !s.Enqueue(frame) {
			observability.SlowConsumerDrops.WithLabelValues("observer").Inc()
			r.Detach(s)
		}
	}
}

// AgentSession looks up the live session for a node, if any.
func (r *Registry) AgentSession(nodeID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.agents[nodeID]
	return s, ok
}

// AgentCount reports the number of live agent sessions.
func (r *Registry) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ObserverCount reports the number of live observer sessions.
func (r *Registry) ObserverCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// NotifyInfoChanged lets the registration handler announce identity
// field changes (hostname/ip/os_info) without implying a connect/
// disconnect transition.
func (r *Registry) NotifyInfoChanged(nodeID string) {
	r.publish(ChangeEvent{Kind: "node_info_changed", NodeID: nodeID})
}

func (r *Registry) publish(ev ChangeEvent) {
	if r.events == nil {
		return
	}
	select {
	case r.events <- ev:
	default:
		log.Printf("session: change-event channel full, dropping %s for %s", ev.Kind, ev.NodeID)
	}
}

// PeerHostFromAddr extracts the host portion of a RemoteAddr string,
// used to populate Node.IPAddress from the transport's observed peer
// address per §3.
func PeerHostFromAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// MustJSON is a tiny helper for building outbound frames in call sites
// that already have a marshal error handled upstream (codec.Encode
// returns one); kept here to avoid importing encoding/json in every
// handler file that only needs this one shot.
func MustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
