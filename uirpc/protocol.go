package uirpc

import (
	"github.com/orbitwallet/orbitd/rpcengine"
	"github.com/orbitwallet/orbitd/werr"
)

// Protocol formats errors for the UI surface. The UI is trusted first-party
// code, so unlike the page-facing namespaces it receives the internal reason
// name directly and keys its rendering off that rather than off a foreign
// protocol's numeric scheme.
type Protocol struct{}

// A compile-time check that Protocol is a ProtocolAdapter.
var _ rpcengine.ProtocolAdapter = (*Protocol)(nil)

// WireError implements rpcengine.ProtocolAdapter.
func (Protocol) WireError(err error) *rpcengine.WireError {
	reason := werr.ReasonOf(err)

	msg := "internal error"
	if reason != werr.ReasonUnknown {
		msg = err.Error()
	}

	return &rpcengine.WireError{
		Code:    int(reason),
		Message: msg,
		Data:    map[string]any{"reason": reason.String()},
	}
}
