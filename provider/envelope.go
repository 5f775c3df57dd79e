// Package provider implements the page-facing half of the wallet: the
// envelope protocol a page's injected provider speaks with the background
// engine, and the bridge that routes those envelopes through the RPC engine
// and pushes standard provider events (chainChanged, accountsChanged,
// disconnect) back out.
package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Version is the envelope protocol version. A handshake carrying a
// different major version is refused.
const Version = "1.0"

// MsgType tags an envelope.
type MsgType string

const (
	// TypeHandshake opens a session from page to wallet.
	TypeHandshake MsgType = "handshake"

	// TypeHandshakeAck answers a handshake with session metadata.
	TypeHandshakeAck MsgType = "handshake_ack"

	// TypeRequest carries one namespace-specific JSON-RPC call.
	TypeRequest MsgType = "request"

	// TypeResponse answers one request, matched by id.
	TypeResponse MsgType = "response"

	// TypeEvent carries an unsolicited provider notification.
	TypeEvent MsgType = "event"
)

// Standard provider event names.
const (
	// EventChainChanged fires when the active chain switches.
	EventChainChanged = "chainChanged"

	// EventAccountsChanged fires when an origin's permitted accounts
	// change.
	EventAccountsChanged = "accountsChanged"

	// EventDisconnect fires when the origin's session is severed.
	EventDisconnect = "disconnect"
)

// Envelope is the one wire type crossing the page boundary.
type Envelope struct {
	// Type tags the envelope.
	Type MsgType `json:"type"`

	// Version is the protocol version, set on handshake and its ack.
	Version string `json:"version,omitempty"`

	// ID matches a response to its request.
	ID string `json:"id,omitempty"`

	// ChainRef is the session's chain, set on the handshake ack and on
	// chainChanged events.
	ChainRef string `json:"chainRef,omitempty"`

	// Accounts is the origin's permitted account list, set on the
	// handshake ack.
	Accounts []string `json:"accounts,omitempty"`

	// Session is the wallet-assigned session id.
	Session string `json:"session,omitempty"`

	// Payload is the type-specific body: a JSON-RPC call for requests, a
	// result or error for responses, an EventPayload for events.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RequestPayload is the body of a TypeRequest envelope.
type RequestPayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponsePayload is the body of a TypeResponse envelope. Exactly one of
// Result and Error is set.
type ResponsePayload struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// EventPayload is the body of a TypeEvent envelope.
type EventPayload struct {
	Event  string          `json:"event"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ParseEnvelope decodes and structurally validates one inbound envelope.
func ParseEnvelope(blob []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	switch env.Type {
	case TypeHandshake:
		if env.Version == "" {
			return nil, fmt.Errorf("handshake without a version")
		}
		if majorVersion(env.Version) != majorVersion(Version) {
			return nil, fmt.Errorf("unsupported protocol "+
				"version %q, wallet speaks %q", env.Version,
				Version)
		}

	case TypeRequest:
		if env.ID == "" {
			return nil, fmt.Errorf("request without an id")
		}
		if len(env.Payload) == 0 {
			return nil, fmt.Errorf("request without a payload")
		}

	case TypeHandshakeAck, TypeResponse, TypeEvent:
		return nil, fmt.Errorf("inbound envelope with outbound "+
			"type %q", env.Type)

	default:
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}

	return &env, nil
}

// majorVersion extracts the major component of a dotted version string.
func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}
