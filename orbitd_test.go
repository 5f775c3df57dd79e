package orbitd

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitwallet/orbitd/attention"
	"github.com/orbitwallet/orbitd/rpcengine"
)

const (
	testUIOrigin   = "orbit://ui"
	testDappOrigin = "https://dapp.example"
	testPassword   = "correct horse battery staple"
)

// startDaemon boots a daemon on fresh in-memory stores and tears it down
// with the test.
func startDaemon(t *testing.T) *Daemon {
	t.Helper()

	d := NewDaemon(DaemonConfig{})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, d.Stop())
	})

	return d
}

// call runs one page-originated request through the engine, marshalling
// params to JSON. Page requests are never trusted.
func call(t *testing.T, d *Daemon, origin, method string,
	params any) *rpcengine.Response {

	t.Helper()

	return d.Engine().Handle(context.Background(), &rpcengine.Request{
		ID:     "t-" + method,
		Origin: origin,
		Method: method,
		Params: marshalParams(t, params),
	})
}

// uiCall runs one request the way the trusted UI transport would: UI
// origin, trusted marker set.
func uiCall(t *testing.T, d *Daemon, method string,
	params any) *rpcengine.Response {

	t.Helper()

	return d.Engine().Handle(context.Background(), &rpcengine.Request{
		ID:      "t-" + method,
		Origin:  testUIOrigin,
		Method:  method,
		Params:  marshalParams(t, params),
		Trusted: true,
	})
}

func marshalParams(t *testing.T, params any) json.RawMessage {
	t.Helper()

	if params == nil {
		return nil
	}
	b, err := json.Marshal(params)
	require.NoError(t, err)
	return b
}

// awaitPrompt polls the UI attention list until exactly one entry is
// pending and returns it.
func awaitPrompt(t *testing.T, d *Daemon) attention.Request {
	t.Helper()

	var pending []attention.Request
	require.Eventually(t, func() bool {
		resp := d.Engine().Handle(
			context.Background(), &rpcengine.Request{
				ID:      "t-list",
				Origin:  testUIOrigin,
				Method:  "ui_listAttention",
				Trusted: true,
			},
		)
		if resp.Error != nil {
			return false
		}
		if json.Unmarshal(resp.Result, &pending) != nil {
			return false
		}
		return len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	return pending[0]
}

// mustResult asserts the response succeeded and decodes its result.
func mustResult(t *testing.T, resp *rpcengine.Response, out any) {
	t.Helper()

	require.Nil(t, resp.Error, "unexpected wire error: %v", resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, out))
}

// TestDaemonEndToEnd drives the full first-run flow through a started
// daemon: initialize the vault, connect a page via the attention queue, and
// read accounts and chain id back through the page-facing namespace.
func TestDaemonEndToEnd(t *testing.T) {
	t.Parallel()

	d := startDaemon(t)

	// Before anything is set up, a page sees no accounts.
	var accounts []string
	mustResult(t, call(t, d, testDappOrigin, "eth_accounts", nil),
		&accounts)
	require.Empty(t, accounts)

	// First-run initialization creates the vault, an HD keyring, and the
	// first account.
	var initRes struct {
		KeyringID string `json:"keyringId"`
		AccountID string `json:"accountId"`
	}
	mustResult(t, uiCall(t, d, "ui_initVault",
		map[string]string{"password": testPassword}), &initRes)
	require.NotEmpty(t, initRes.KeyringID)
	require.NotEmpty(t, initRes.AccountID)

	// eth_requestAccounts suspends on a connection prompt, so run it
	// concurrently with the approval.
	respCh := make(chan *rpcengine.Response, 1)
	go func() {
		respCh <- d.Engine().Handle(
			context.Background(), &rpcengine.Request{
				ID:     "t-request",
				Origin: testDappOrigin,
				Method: "eth_requestAccounts",
			},
		)
	}()

	// The prompt appears on the UI's attention list.
	prompt := awaitPrompt(t, d)
	require.Equal(t, attention.ReasonConnect, prompt.Reason)
	require.Equal(t, testDappOrigin, prompt.Origin)

	// Approving the prompt grants the chosen account to the origin and
	// wakes the suspended call.
	var approved bool
	mustResult(t, uiCall(t, d, "ui_approveAttention",
		map[string]any{
			"id":       prompt.ID,
			"accounts": []string{initRes.AccountID},
		}), &approved)
	require.True(t, approved)

	select {
	case resp := <-respCh:
		mustResult(t, resp, &accounts)
	case <-time.After(5 * time.Second):
		t.Fatal("eth_requestAccounts did not resolve")
	}
	require.Len(t, accounts, 1)

	// The granted address is the derived account, stripped of its
	// namespace prefix.
	require.Equal(t, "eip155:"+accounts[0], initRes.AccountID)

	// The grant persists into plain reads.
	var again []string
	mustResult(t, call(t, d, testDappOrigin, "eth_accounts", nil), &again)
	require.Equal(t, accounts, again)

	// Mainnet is the seeded default selection.
	var chainID string
	mustResult(t, call(t, d, testDappOrigin, "eth_chainId", nil),
		&chainID)
	require.Equal(t, "0x1", chainID)
}

// TestDaemonRejectConnection verifies that dismissing a connection prompt
// fails the suspended call without granting anything.
func TestDaemonRejectConnection(t *testing.T) {
	t.Parallel()

	d := startDaemon(t)

	var initRes struct {
		KeyringID string `json:"keyringId"`
		AccountID string `json:"accountId"`
	}
	mustResult(t, uiCall(t, d, "ui_initVault",
		map[string]string{"password": testPassword}), &initRes)

	respCh := make(chan *rpcengine.Response, 1)
	go func() {
		respCh <- d.Engine().Handle(
			context.Background(), &rpcengine.Request{
				ID:     "t-request",
				Origin: testDappOrigin,
				Method: "eth_requestAccounts",
			},
		)
	}()

	prompt := awaitPrompt(t, d)

	var rejected bool
	mustResult(t, uiCall(t, d, "ui_rejectAttention",
		map[string]string{"id": prompt.ID}), &rejected)

	select {
	case resp := <-respCh:
		require.NotNil(t, resp.Error)
		require.Equal(t, 4001, resp.Error.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("eth_requestAccounts did not resolve")
	}

	// Nothing was granted.
	var accounts []string
	mustResult(t, call(t, d, testDappOrigin, "eth_accounts", nil),
		&accounts)
	require.Empty(t, accounts)
}

// TestDaemonUnknownMethod verifies the default protocol formats errors for
// unroutable methods.
func TestDaemonUnknownMethod(t *testing.T) {
	t.Parallel()

	d := startDaemon(t)

	resp := call(t, d, testDappOrigin, "foo_bar", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, -32601, resp.Error.Code)
}

// connectPage drives the connection approval flow for the page origin and
// returns the granted address.
func connectPage(t *testing.T, d *Daemon, accountID string) string {
	t.Helper()

	respCh := make(chan *rpcengine.Response, 1)
	go func() {
		respCh <- d.Engine().Handle(
			context.Background(), &rpcengine.Request{
				ID:     "t-connect",
				Origin: testDappOrigin,
				Method: "eth_requestAccounts",
			},
		)
	}()

	prompt := awaitPrompt(t, d)

	var approved bool
	mustResult(t, uiCall(t, d, "ui_approveAttention",
		map[string]any{
			"id":       prompt.ID,
			"accounts": []string{accountID},
		}), &approved)
	require.True(t, approved)

	var accounts []string
	select {
	case resp := <-respCh:
		mustResult(t, resp, &accounts)
	case <-time.After(5 * time.Second):
		t.Fatal("eth_requestAccounts did not resolve")
	}
	require.Len(t, accounts, 1)

	return accounts[0]
}

// TestDaemonPageCannotReachUINamespace asserts the privileged ui_ methods
// are invisible to page origins: a page calling them is told the method
// does not exist and nothing happens.
func TestDaemonPageCannotReachUINamespace(t *testing.T) {
	t.Parallel()

	d := startDaemon(t)

	for _, method := range []string{
		"ui_initVault", "ui_listAttention", "ui_approveAttention",
	} {
		resp := call(t, d, testDappOrigin, method,
			map[string]string{"password": testPassword})
		require.NotNil(t, resp.Error, method)
		require.Equal(t, -32601, resp.Error.Code, method)
	}

	// The page calls above created nothing: first-run initialization is
	// still open to the trusted UI.
	var initRes struct {
		KeyringID string `json:"keyringId"`
		AccountID string `json:"accountId"`
	}
	mustResult(t, uiCall(t, d, "ui_initVault",
		map[string]string{"password": testPassword}), &initRes)
	require.NotEmpty(t, initRes.AccountID)
}

// TestDaemonSignatureApproval drives personal_sign through a signature
// prompt: the first sign from an origin suspends until the UI approves,
// approval widens the origin's grant, and later signs need no prompt.
func TestDaemonSignatureApproval(t *testing.T) {
	t.Parallel()

	d := startDaemon(t)

	var initRes struct {
		KeyringID string `json:"keyringId"`
		AccountID string `json:"accountId"`
	}
	mustResult(t, uiCall(t, d, "ui_initVault",
		map[string]string{"password": testPassword}), &initRes)

	addr := connectPage(t, d, initRes.AccountID)

	signParams := marshalParams(t, []string{"hello orbit", addr})
	respCh := make(chan *rpcengine.Response, 1)
	go func() {
		respCh <- d.Engine().Handle(
			context.Background(), &rpcengine.Request{
				ID:     "t-sign",
				Origin: testDappOrigin,
				Method: "personal_sign",
				Params: signParams,
			},
		)
	}()

	prompt := awaitPrompt(t, d)
	require.Equal(t, attention.ReasonSignature, prompt.Reason)
	require.Equal(t, testDappOrigin, prompt.Origin)

	var approved bool
	mustResult(t, uiCall(t, d, "ui_approveAttention",
		map[string]string{"id": prompt.ID}), &approved)
	require.True(t, approved)

	var sig string
	select {
	case resp := <-respCh:
		mustResult(t, resp, &sig)
	case <-time.After(5 * time.Second):
		t.Fatal("personal_sign did not resolve")
	}
	require.Regexp(t, `^0x[0-9a-f]{130}$`, sig)

	// The widened grant covers later signs without another prompt.
	var again string
	mustResult(t, call(t, d, testDappOrigin, "personal_sign",
		[]string{"hello again", addr}), &again)
	require.Regexp(t, `^0x[0-9a-f]{130}$`, again)

	// Widening added the sign capability without narrowing the
	// connection the origin already held.
	var accounts []string
	mustResult(t, call(t, d, testDappOrigin, "eth_accounts", nil),
		&accounts)
	require.Equal(t, []string{addr}, accounts)
}

// TestDaemonSignatureRejected verifies dismissing a signature prompt fails
// the suspended call and grants nothing, so the next sign prompts again.
func TestDaemonSignatureRejected(t *testing.T) {
	t.Parallel()

	d := startDaemon(t)

	var initRes struct {
		KeyringID string `json:"keyringId"`
		AccountID string `json:"accountId"`
	}
	mustResult(t, uiCall(t, d, "ui_initVault",
		map[string]string{"password": testPassword}), &initRes)

	addr := connectPage(t, d, initRes.AccountID)

	signParams := marshalParams(t, []string{"hello orbit", addr})
	respCh := make(chan *rpcengine.Response, 1)
	go func() {
		respCh <- d.Engine().Handle(
			context.Background(), &rpcengine.Request{
				ID:     "t-sign",
				Origin: testDappOrigin,
				Method: "personal_sign",
				Params: signParams,
			},
		)
	}()

	prompt := awaitPrompt(t, d)

	var rejected bool
	mustResult(t, uiCall(t, d, "ui_rejectAttention",
		map[string]string{"id": prompt.ID}), &rejected)

	select {
	case resp := <-respCh:
		require.NotNil(t, resp.Error)
		require.Equal(t, 4001, resp.Error.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("personal_sign did not resolve")
	}
}
