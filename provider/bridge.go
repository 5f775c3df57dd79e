package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/orbitwallet/orbitd/chainreg"
	"github.com/orbitwallet/orbitd/msgbus"
	"github.com/orbitwallet/orbitd/perms"
	"github.com/orbitwallet/orbitd/rpcengine"
)

// eventBuffer bounds each session's outbound event queue. A page that stops
// draining loses events rather than wedging the bridge.
const eventBuffer = 32

// Config packages the bridge's dependencies.
type Config struct {
	// Engine handles request envelopes.
	Engine *rpcengine.Engine

	// Chains resolves the active chain for handshake acks.
	Chains *chainreg.Registry

	// Perms resolves permitted accounts for handshake acks and
	// accountsChanged events.
	Perms *perms.Service

	// Messenger subscribes to the active chain and grant topics.
	Messenger msgbus.Messenger
}

// session is one page connection.
type session struct {
	id     string
	origin string
	events chan *Envelope
}

// Bridge routes envelopes between pages and the engine. One bridge serves
// every origin; sessions are keyed by an opaque per-connection id.
type Bridge struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session

	cancels []func()
}

// NewBridge creates a bridge with no sessions.
func NewBridge(cfg Config) *Bridge {
	return &Bridge{
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
}

// Start subscribes the bridge to the wallet-side topics it forwards as
// provider events.
func (b *Bridge) Start() error {
	cancelChain, err := msgbus.SubscribeFunc(
		b.cfg.Messenger, chainreg.TopicActiveChain,
		b.onActiveChain,
	)
	if err != nil {
		return err
	}
	b.cancels = append(b.cancels, cancelChain)

	cancelGrants, err := msgbus.SubscribeFunc(
		b.cfg.Messenger, perms.TopicOriginChanged, b.onOriginChanged,
	)
	if err != nil {
		return err
	}
	b.cancels = append(b.cancels, cancelGrants)

	return nil
}

// Stop unsubscribes and severs every session with a disconnect event.
func (b *Bridge) Stop() {
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sess := range b.sessions {
		b.deliverLocked(sess, disconnectEvent())
		close(sess.events)
		delete(b.sessions, id)
	}
}

// Connect opens a session for an origin and returns its event stream. The
// transport owns the origin string; pages never name their own origin.
func (b *Bridge) Connect(origin string) (string, <-chan *Envelope) {
	sess := &session{
		id:     uuid.NewString(),
		origin: origin,
		events: make(chan *Envelope, eventBuffer),
	}

	b.mu.Lock()
	b.sessions[sess.id] = sess
	b.mu.Unlock()

	log.Debugf("Session %s opened for %s", sess.id, origin)

	return sess.id, sess.events
}

// Disconnect closes a session.
func (b *Bridge) Disconnect(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.sessions[sessionID]
	if !ok {
		return
	}

	close(sess.events)
	delete(b.sessions, sessionID)

	log.Debugf("Session %s closed", sessionID)
}

// HandleInbound processes one inbound envelope for a session and returns
// the answering envelope. Events never come inbound; responses always go
// out, even for malformed requests.
func (b *Bridge) HandleInbound(ctx context.Context, sessionID string,
	blob []byte) (*Envelope, error) {

	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil, errUnknownSession(sessionID)
	}

	env, err := ParseEnvelope(blob)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeHandshake:
		return b.handshakeAck(sess)

	case TypeRequest:
		return b.handleRequest(ctx, sess, env)

	default:
		// ParseEnvelope admits nothing else.
		return nil, fmt.Errorf("unroutable envelope type %q",
			env.Type)
	}
}

// handshakeAck answers a handshake with the session id, active chain and
// the origin's permitted accounts.
func (b *Bridge) handshakeAck(sess *session) (*Envelope, error) {
	var chainRef string
	if active, err := b.cfg.Chains.ActiveChain(); err == nil {
		chainRef = active.Ref.String()
	}

	return &Envelope{
		Type:     TypeHandshakeAck,
		Version:  Version,
		Session:  sess.id,
		ChainRef: chainRef,
		Accounts: b.cfg.Perms.GetPermittedAccounts(
			sess.origin, chainNamespace(chainRef),
		),
	}, nil
}

// handleRequest routes a JSON-RPC payload through the engine.
func (b *Bridge) handleRequest(ctx context.Context, sess *session,
	env *Envelope) (*Envelope, error) {

	var payload RequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, err
	}

	var chainRef chainreg.ChainRef
	if env.ChainRef != "" {
		parsed, err := chainreg.ParseChainRef(env.ChainRef)
		if err != nil {
			return nil, err
		}
		chainRef = parsed
	}

	resp := b.cfg.Engine.Handle(ctx, &rpcengine.Request{
		ID:       env.ID,
		Origin:   sess.origin,
		Method:   payload.Method,
		Params:   payload.Params,
		ChainRef: chainRef,
	})

	body := ResponsePayload{Result: resp.Result}
	if resp.Error != nil {
		blob, err := json.Marshal(resp.Error)
		if err != nil {
			return nil, err
		}
		body.Error = blob
	}

	blob, err := json.Marshal(&body)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Type:    TypeResponse,
		ID:      env.ID,
		Session: sess.id,
		Payload: blob,
	}, nil
}

// onActiveChain forwards an active chain switch to every session.
func (b *Bridge) onActiveChain(entity *chainreg.ChainEntity) {
	if entity == nil {
		return
	}

	params, err := json.Marshal(entity.Ref.String())
	if err != nil {
		return
	}
	event := newEvent(EventChainChanged, params)
	event.ChainRef = entity.Ref.String()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sess := range b.sessions {
		b.deliverLocked(sess, event)
	}
}

// onOriginChanged forwards a grant mutation to the affected origin's
// sessions as accountsChanged, or disconnect when nothing remains granted.
func (b *Bridge) onOriginChanged(change perms.OriginChange) {
	accounts := b.cfg.Perms.GetPermittedAccounts(
		change.Origin, change.Namespace,
	)

	var event *Envelope
	if len(b.cfg.Perms.ListGrants(change.Origin)) == 0 {
		event = disconnectEvent()
	} else {
		params, err := json.Marshal(accounts)
		if err != nil {
			return
		}
		event = newEvent(EventAccountsChanged, params)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sess := range b.sessions {
		if sess.origin != change.Origin {
			continue
		}
		b.deliverLocked(sess, event)
	}
}

// deliverLocked pushes an event without blocking; a full queue drops the
// event. The caller must hold b.mu.
func (b *Bridge) deliverLocked(sess *session, event *Envelope) {
	select {
	case sess.events <- event:
	default:
		log.Warnf("Session %s event queue full, dropping %s",
			sess.id, event.Type)
	}
}

// newEvent builds a TypeEvent envelope.
func newEvent(name string, params json.RawMessage) *Envelope {
	blob, err := json.Marshal(&EventPayload{Event: name, Params: params})
	if err != nil {
		return &Envelope{Type: TypeEvent}
	}

	return &Envelope{Type: TypeEvent, Payload: blob}
}

// disconnectEvent builds the standard disconnect event.
func disconnectEvent() *Envelope {
	return newEvent(EventDisconnect, nil)
}

// chainNamespace extracts the namespace half of a chain reference string.
func chainNamespace(chainRef string) string {
	ref, err := chainreg.ParseChainRef(chainRef)
	if err != nil {
		return ""
	}
	return ref.Namespace
}

// errUnknownSession is a plain error: session ids are transport-internal
// and never cross toward a page as a typed wallet failure.
func errUnknownSession(id string) error {
	return &unknownSessionError{id: id}
}

type unknownSessionError struct {
	id string
}

func (e *unknownSessionError) Error() string {
	return "unknown provider session " + e.id
}
