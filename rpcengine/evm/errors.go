package evm

import (
	"errors"

	"github.com/orbitwallet/orbitd/rpcengine"
	"github.com/orbitwallet/orbitd/werr"
)

// EIP-1474 JSON-RPC and EIP-1193 provider error codes.
const (
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
	codeInternal       = -32603
	codeUserRejected   = 4001
	codeUnauthorized   = 4100
	codeDisconnected   = 4900
)

// Protocol maps internal failure reasons onto Ethereum provider error codes,
// so an Ethereum dapp sees the codes EIP-1193 taught it to expect. Only the
// reason and its sanitized message cross the boundary.
type Protocol struct{}

// A compile-time check that Protocol is a ProtocolAdapter.
var _ rpcengine.ProtocolAdapter = (*Protocol)(nil)

// WireError implements rpcengine.ProtocolAdapter.
func (Protocol) WireError(err error) *rpcengine.WireError {
	var werror *werr.Error
	msg := "internal error"
	code := codeInternal

	if e, ok := err.(*rpcengine.WireError); ok {
		// Already wire-formatted, e.g. forwarded verbatim from the
		// chain endpoint.
		return e
	}

	reason := werr.ReasonOf(err)
	if reason != werr.ReasonUnknown {
		msg = err.Error()
	}

	switch reason {
	case werr.RpcInvalidParams, werr.ChainInvalidAddress:
		code = codeInvalidParams

	case werr.RpcMethodNotFound:
		code = codeMethodNotFound

	case werr.RpcUserRejected, werr.RpcRequestExpired:
		code = codeUserRejected

	case werr.PermissionDenied, werr.VaultLocked,
		werr.VaultNotInitialized:

		code = codeUnauthorized

	case werr.ChainNotSupported:
		code = codeDisconnected
	}

	wire := &rpcengine.WireError{Code: code, Message: msg}

	// Attach sanitized structured data when the error carries any.
	if errors.As(err, &werror) && werror.Data != nil {
		wire.Data = werror.Data
	}

	return wire
}
