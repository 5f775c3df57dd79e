package evm

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/orbitwallet/orbitd/keyring"
	"github.com/orbitwallet/orbitd/werr"
)

// parsePersonalSign decodes personal_sign params: [message, address]. The
// message is a 0x-prefixed hex blob or a plain UTF-8 string.
func parsePersonalSign(params json.RawMessage) ([]byte, string, error) {
	var args []string
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, "", werr.Wrap(werr.RpcInvalidParams,
			"personal_sign wants [message, address]", err)
	}
	if len(args) != 2 {
		return nil, "", werr.Newf(werr.RpcInvalidParams,
			"personal_sign wants 2 params, got %d", len(args))
	}

	message := []byte(args[0])
	if strings.HasPrefix(args[0], "0x") {
		decoded, err := hex.DecodeString(args[0][2:])
		if err != nil {
			return nil, "", werr.Wrap(werr.RpcInvalidParams,
				"malformed hex message", err)
		}
		message = decoded
	}

	address := args[1]
	if err := (keyring.EVMCodec{}).ValidateAddress(address); err != nil {
		return nil, "", err
	}

	return message, address, nil
}

// validatePersonalSign is the schema half of parsePersonalSign, run by the
// engine's validate-then-execute step.
func validatePersonalSign(params json.RawMessage) error {
	_, _, err := parsePersonalSign(params)
	return err
}

// parseSendTransaction decodes eth_sendTransaction params: [txObject]. Only
// the from field is interpreted here; the rest of the object travels to the
// draft builder untouched.
func parseSendTransaction(params json.RawMessage) (json.RawMessage, string,
	error) {

	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, "", werr.Wrap(werr.RpcInvalidParams,
			"eth_sendTransaction wants [txObject]", err)
	}
	if len(args) != 1 {
		return nil, "", werr.Newf(werr.RpcInvalidParams,
			"eth_sendTransaction wants 1 param, got %d",
			len(args))
	}

	var envelope struct {
		From string `json:"from"`
	}
	if err := json.Unmarshal(args[0], &envelope); err != nil {
		return nil, "", werr.Wrap(werr.RpcInvalidParams,
			"malformed transaction object", err)
	}
	if envelope.From == "" {
		return nil, "", werr.New(werr.RpcInvalidParams,
			"transaction object needs a from address")
	}
	err := (keyring.EVMCodec{}).ValidateAddress(envelope.From)
	if err != nil {
		return nil, "", err
	}

	return args[0], envelope.From, nil
}

// validateSendTransaction is the schema half of parseSendTransaction.
func validateSendTransaction(params json.RawMessage) error {
	_, _, err := parseSendTransaction(params)
	return err
}

// parseSwitchChain decodes wallet_switchEthereumChain params:
// [{chainId: "0x..."}], returning the decimal chain id.
func parseSwitchChain(params json.RawMessage) (uint64, error) {
	var args []struct {
		ChainID string `json:"chainId"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return 0, werr.Wrap(werr.RpcInvalidParams,
			"wallet_switchEthereumChain wants [{chainId}]", err)
	}
	if len(args) != 1 {
		return 0, werr.Newf(werr.RpcInvalidParams,
			"wallet_switchEthereumChain wants 1 param, got %d",
			len(args))
	}
	if !strings.HasPrefix(args[0].ChainID, "0x") {
		return 0, werr.Newf(werr.RpcInvalidParams,
			"chainId %q is not a hex quantity", args[0].ChainID)
	}

	id, err := strconv.ParseUint(args[0].ChainID[2:], 16, 64)
	if err != nil {
		return 0, werr.Wrap(werr.RpcInvalidParams,
			"malformed chainId", err)
	}

	return id, nil
}

// validateSwitchChain is the schema half of parseSwitchChain.
func validateSwitchChain(params json.RawMessage) error {
	_, err := parseSwitchChain(params)
	return err
}
