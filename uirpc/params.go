package uirpc

import (
	"encoding/json"

	"github.com/orbitwallet/orbitd/chainreg"
	"github.com/orbitwallet/orbitd/vault"
	"github.com/orbitwallet/orbitd/werr"
)

// parsePassword decodes {password} params.
func parsePassword(params json.RawMessage) ([]byte, error) {
	var args struct {
		Password string `json:"password"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, werr.Wrap(werr.RpcInvalidParams,
			"wanted {password}", err)
	}
	if args.Password == "" {
		return nil, werr.New(werr.RpcInvalidParams,
			"password must not be empty")
	}

	return []byte(args.Password), nil
}

func validatePassword(params json.RawMessage) error {
	_, err := parsePassword(params)
	return err
}

// parseImportVault decodes {password, ciphertext} params, where ciphertext
// is the serialized export form.
func parseImportVault(params json.RawMessage) ([]byte, *vault.Ciphertext,
	error) {

	var args struct {
		Password   string          `json:"password"`
		Ciphertext json.RawMessage `json:"ciphertext"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, nil, werr.Wrap(werr.RpcInvalidParams,
			"wanted {password, ciphertext}", err)
	}
	if args.Password == "" {
		return nil, nil, werr.New(werr.RpcInvalidParams,
			"password must not be empty")
	}

	ct, err := vault.ParseCiphertext(args.Ciphertext)
	if err != nil {
		return nil, nil, err
	}

	return []byte(args.Password), ct, nil
}

func validateImportVault(params json.RawMessage) error {
	_, _, err := parseImportVault(params)
	return err
}

// parseSwitchAccount decodes {accountId} params.
func parseSwitchAccount(params json.RawMessage) (string, error) {
	var args struct {
		AccountID string `json:"accountId"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return "", werr.Wrap(werr.RpcInvalidParams,
			"wanted {accountId}", err)
	}
	if args.AccountID == "" {
		return "", werr.New(werr.RpcInvalidParams,
			"accountId must not be empty")
	}

	return args.AccountID, nil
}

func validateSwitchAccount(params json.RawMessage) error {
	_, err := parseSwitchAccount(params)
	return err
}

// parseSwitchNetwork decodes {chainRef} params.
func parseSwitchNetwork(params json.RawMessage) (chainreg.ChainRef, error) {
	var args struct {
		ChainRef string `json:"chainRef"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return chainreg.ChainRef{}, werr.Wrap(werr.RpcInvalidParams,
			"wanted {chainRef}", err)
	}

	return chainreg.ParseChainRef(args.ChainRef)
}

func validateSwitchNetwork(params json.RawMessage) error {
	_, err := parseSwitchNetwork(params)
	return err
}

// parseApprove decodes {id, accounts?} params.
func parseApprove(params json.RawMessage) (string, []string, error) {
	var args struct {
		ID       string   `json:"id"`
		Accounts []string `json:"accounts"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return "", nil, werr.Wrap(werr.RpcInvalidParams,
			"wanted {id, accounts?}", err)
	}
	if args.ID == "" {
		return "", nil, werr.New(werr.RpcInvalidParams,
			"id must not be empty")
	}

	return args.ID, args.Accounts, nil
}

func validateApprove(params json.RawMessage) error {
	_, _, err := parseApprove(params)
	return err
}

// parseAttentionID decodes {id} params.
func parseAttentionID(params json.RawMessage) (string, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return "", werr.Wrap(werr.RpcInvalidParams, "wanted {id}",
			err)
	}
	if args.ID == "" {
		return "", werr.New(werr.RpcInvalidParams,
			"id must not be empty")
	}

	return args.ID, nil
}

func validateAttentionID(params json.RawMessage) error {
	_, err := parseAttentionID(params)
	return err
}

// parseDeriveAccount decodes {keyringId} params.
func parseDeriveAccount(params json.RawMessage) (string, error) {
	var args struct {
		KeyringID string `json:"keyringId"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return "", werr.Wrap(werr.RpcInvalidParams,
			"wanted {keyringId}", err)
	}
	if args.KeyringID == "" {
		return "", werr.New(werr.RpcInvalidParams,
			"keyringId must not be empty")
	}

	return args.KeyringID, nil
}

func validateDeriveAccount(params json.RawMessage) error {
	_, err := parseDeriveAccount(params)
	return err
}

// parseImportKey decodes {namespace, privateKey} params.
func parseImportKey(params json.RawMessage) (string, []byte, error) {
	var args struct {
		Namespace  string `json:"namespace"`
		PrivateKey string `json:"privateKey"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return "", nil, werr.Wrap(werr.RpcInvalidParams,
			"wanted {namespace, privateKey}", err)
	}
	if args.Namespace == "" {
		return "", nil, werr.New(werr.RpcInvalidParams,
			"namespace must not be empty")
	}

	key, err := decodeHexKey(args.PrivateKey)
	if err != nil {
		return "", nil, err
	}
	if len(key) != 32 {
		return "", nil, werr.Newf(werr.RpcInvalidParams,
			"private key must be 32 bytes, got %d", len(key))
	}

	return args.Namespace, key, nil
}

func validateImportKey(params json.RawMessage) error {
	_, key, err := parseImportKey(params)
	if key != nil {
		zeroBytes(key)
	}
	return err
}
