package evm

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/orbitwallet/orbitd/chainreg"
	"github.com/orbitwallet/orbitd/rpcengine"
	"github.com/orbitwallet/orbitd/txmgr"
	"github.com/orbitwallet/orbitd/werr"
)

// defaultRequestTimeout bounds one JSON-RPC round trip.
const defaultRequestTimeout = 30 * time.Second

// Client speaks JSON-RPC 2.0 over HTTP against a chain's RPC endpoints,
// trying each configured URL in order until one answers.
type Client struct {
	httpClient *http.Client
	nextID     atomic.Uint64
}

// A compile-time check that Client serves passthrough calls.
var _ rpcengine.ChainClient = (*Client)(nil)

// NewClient creates a client with the default timeout.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
}

// jsonRPCRequest is the wire form of one call.
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// jsonRPCResponse is the wire form of one answer.
type jsonRPCResponse struct {
	Result json.RawMessage      `json:"result"`
	Error  *rpcengine.WireError `json:"error"`
}

// Call implements rpcengine.ChainClient. An error response from the chain
// comes back as a WireError so it forwards to the caller verbatim; a
// transport fault comes back as a plain error.
func (c *Client) Call(ctx context.Context, chain *chainreg.ChainEntity,
	method string, params json.RawMessage) (json.RawMessage, error) {

	body, err := json.Marshal(&jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, url := range chain.Metadata.RpcURLs {
		result, err := c.post(ctx, url, body)
		if err == nil {
			return result, nil
		}

		// A WireError is the chain's own verdict; trying another
		// endpoint would just repeat it.
		if _, ok := err.(*rpcengine.WireError); ok {
			return nil, err
		}

		log.Debugf("Endpoint %s failed for %s: %v", url, method, err)
		lastErr = err
	}

	return nil, fmt.Errorf("all %d endpoints of %v failed: %w",
		len(chain.Metadata.RpcURLs), chain.Ref, lastErr)
}

// post performs one HTTP round trip.
func (c *Client) post(ctx context.Context, url string,
	body []byte) (json.RawMessage, error) {

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(body),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned HTTP %d",
			resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, err
	}

	var decoded jsonRPCResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("malformed JSON-RPC response: %w", err)
	}
	if decoded.Error != nil {
		return nil, decoded.Error
	}

	return decoded.Result, nil
}

// TxClient adapts the JSON-RPC client to the transaction lifecycle: fee and
// nonce context on draft, digest and envelope handling on sign, raw
// submission on broadcast.
type TxClient struct {
	rpc rpcengine.ChainClient
}

// A compile-time check that TxClient drives the lifecycle.
var _ txmgr.ChainClient = (*TxClient)(nil)

// NewTxClient wraps a JSON-RPC client for the transaction manager.
func NewTxClient(rpc rpcengine.ChainClient) *TxClient {
	return &TxClient{rpc: rpc}
}

// FillDraft implements txmgr.ChainClient: it reads the pending nonce and the
// current gas price for the sender and folds both into the draft body.
func (t *TxClient) FillDraft(ctx context.Context,
	chain *chainreg.ChainEntity, from string,
	payload json.RawMessage) (json.RawMessage, error) {

	var tx map[string]json.RawMessage
	if err := json.Unmarshal(payload, &tx); err != nil {
		return nil, werr.Wrap(werr.RpcInvalidParams,
			"malformed transaction object", err)
	}

	address := stripAccountIDs([]string{from})[0]

	if _, ok := tx["nonce"]; !ok {
		nonce, err := t.rpc.Call(ctx, chain,
			"eth_getTransactionCount", mustParams(
				address, "pending",
			))
		if err != nil {
			return nil, err
		}
		tx["nonce"] = nonce
	}
	if _, ok := tx["gasPrice"]; !ok {
		price, err := t.rpc.Call(ctx, chain, "eth_gasPrice", nil)
		if err != nil {
			return nil, err
		}
		tx["gasPrice"] = price
	}
	if _, ok := tx["chainId"]; !ok {
		id, err := strconv.ParseUint(chain.Ref.Reference, 10, 64)
		if err != nil {
			return nil, werr.Wrap(werr.ChainNotSupported,
				"non-numeric eip155 reference", err)
		}
		blob, err := json.Marshal(fmt.Sprintf("0x%x", id))
		if err != nil {
			return nil, err
		}
		tx["chainId"] = blob
	}

	return json.Marshal(tx)
}

// SigningDigest implements txmgr.ChainClient: keccak256 over the canonical
// draft body.
func (t *TxClient) SigningDigest(payload json.RawMessage) ([]byte, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return nil, err
	}

	h := sha3.NewLegacyKeccak256()
	h.Write(canonical)
	return h.Sum(nil), nil
}

// signedEnvelope is the broadcastable form: the draft body plus its
// signature.
type signedEnvelope struct {
	Tx        json.RawMessage `json:"tx"`
	Signature string          `json:"signature"`
}

// FinalizeSigned implements txmgr.ChainClient.
func (t *TxClient) FinalizeSigned(payload json.RawMessage,
	sig []byte) (json.RawMessage, error) {

	return json.Marshal(&signedEnvelope{
		Tx:        payload,
		Signature: "0x" + hex.EncodeToString(sig),
	})
}

// Broadcast implements txmgr.ChainClient: the signed envelope goes out as a
// raw transaction. A verdict from the chain condemns the transaction; a
// transport fault stays retryable.
func (t *TxClient) Broadcast(ctx context.Context,
	chain *chainreg.ChainEntity,
	payload json.RawMessage) (string, error) {

	raw := "0x" + hex.EncodeToString(payload)
	result, err := t.rpc.Call(ctx, chain, "eth_sendRawTransaction",
		mustParams(raw))

	var wireErr *rpcengine.WireError
	switch {
	case errors.As(err, &wireErr):
		return "", werr.Wrap(werr.TxBroadcastRejected,
			"chain rejected transaction", err)

	case err != nil:
		return "", err
	}

	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("malformed broadcast result: %w", err)
	}

	return hash, nil
}

// canonicalJSON re-marshals a JSON value with sorted object keys.
func canonicalJSON(blob json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(blob, &v); err != nil {
		return nil, err
	}
	// encoding/json sorts map keys on marshal.
	return json.Marshal(v)
}

// mustParams serializes positional params known valid at compile time.
func mustParams(args ...any) json.RawMessage {
	blob, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return blob
}
