// Package werr defines the single tagged error type shared by every wallet
// subsystem. Services attach a closed-set Reason to each failure; the RPC
// layer's protocol adapters are the only code that translates a Reason into
// a wire error code, so no internal detail ever crosses the page boundary.
package werr

import (
	"errors"
	"fmt"
)

// Reason identifies a failure class. The set is closed: new reasons require a
// corresponding mapping in every protocol adapter.
type Reason uint8

const (
	// ReasonUnknown is the zero value and must never be attached to an
	// error on purpose.
	ReasonUnknown Reason = iota

	// VaultNotInitialized is returned when an operation requires a stored
	// ciphertext but the vault was never initialized.
	VaultNotInitialized

	// VaultAlreadyInitialized is returned when Initialize is called on a
	// vault that already holds a ciphertext.
	VaultAlreadyInitialized

	// VaultLocked is returned when an operation requires the decrypted
	// secret but the vault is locked.
	VaultLocked

	// VaultInvalidPassword is returned when key derivation plus decrypt
	// fails to authenticate against the stored ciphertext.
	VaultInvalidPassword

	// VaultInvalidCiphertext is returned when a stored or imported
	// ciphertext is structurally invalid.
	VaultInvalidCiphertext

	// KeyringNotFound is returned when a keyring id resolves to nothing.
	KeyringNotFound

	// AccountNotFound is returned when an account id resolves to nothing.
	AccountNotFound

	// PermissionDenied is returned when no grant satisfies the capability
	// a method requires for the calling origin.
	PermissionDenied

	// ChainNotSupported is returned when a chain reference names a chain
	// or namespace the registry does not know.
	ChainNotSupported

	// ChainInvalidAddress is returned when an address fails the
	// namespace's canonical form check.
	ChainInvalidAddress

	// RpcInvalidParams is returned when request params fail schema
	// validation before the handler runs.
	RpcInvalidParams

	// RpcMethodNotFound is returned when no adapter owns the method.
	RpcMethodNotFound

	// RpcInternal is returned for faults the caller cannot act on,
	// including calls made before background startup completes.
	RpcInternal

	// RpcUserRejected is returned when the user dismisses an attention
	// request tied to the call.
	RpcUserRejected

	// RpcRequestExpired is returned when an attention request tied to the
	// call expires before the user acts on it.
	RpcRequestExpired

	// TxInvalidTransition is returned when a transaction status change
	// is not in the legal transition table.
	TxInvalidTransition

	// TxBroadcastRejected is returned when the chain itself rejects a
	// signed transaction as invalid.
	TxBroadcastRejected

	// AttentionExpired is returned when an attention request is acted on
	// after its deadline.
	AttentionExpired
)

// String returns the stable name for the reason.
func (r Reason) String() string {
	switch r {
	case VaultNotInitialized:
		return "vault_not_initialized"
	case VaultAlreadyInitialized:
		return "vault_already_initialized"
	case VaultLocked:
		return "vault_locked"
	case VaultInvalidPassword:
		return "vault_invalid_password"
	case VaultInvalidCiphertext:
		return "vault_invalid_ciphertext"
	case KeyringNotFound:
		return "keyring_not_found"
	case AccountNotFound:
		return "account_not_found"
	case PermissionDenied:
		return "permission_denied"
	case ChainNotSupported:
		return "chain_not_supported"
	case ChainInvalidAddress:
		return "chain_invalid_address"
	case RpcInvalidParams:
		return "rpc_invalid_params"
	case RpcMethodNotFound:
		return "rpc_method_not_found"
	case RpcInternal:
		return "rpc_internal"
	case RpcUserRejected:
		return "rpc_user_rejected"
	case RpcRequestExpired:
		return "rpc_request_expired"
	case TxInvalidTransition:
		return "tx_invalid_transition"
	case TxBroadcastRejected:
		return "tx_broadcast_rejected"
	case AttentionExpired:
		return "attention_expired"
	default:
		return "unknown"
	}
}

// Error is the tagged error carried across subsystem boundaries. Data holds
// optional structured context that is safe to serialize; it must never
// contain key material.
type Error struct {
	// Reason classifies the failure.
	Reason Reason

	// Msg is a human readable description.
	Msg string

	// Data is optional structured context, already sanitized for
	// serialization toward the caller.
	Data map[string]any

	// Err is the wrapped underlying error, if any. It is for local
	// logging only and is never serialized.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a werr.Error with the same reason, which lets
// callers match on sentinel instances with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Reason == other.Reason
}

// New constructs a tagged error.
func New(reason Reason, msg string) *Error {
	return &Error{Reason: reason, Msg: msg}
}

// Newf constructs a tagged error with a formatted message.
func Newf(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs a tagged error around an underlying cause.
func Wrap(reason Reason, msg string, err error) *Error {
	return &Error{Reason: reason, Msg: msg, Err: err}
}

// WithData returns a copy of the error carrying the given structured data.
func (e *Error) WithData(data map[string]any) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

// ReasonOf extracts the reason from err, or ReasonUnknown if err does not
// carry one anywhere in its chain.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonUnknown
}

// HasReason reports whether err carries the given reason.
func HasReason(err error, reason Reason) bool {
	return ReasonOf(err) == reason
}
