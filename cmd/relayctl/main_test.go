package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasless-relayer/client"
	"gasless-relayer/middlewares"
	"gasless-relayer/sessioncache"
	"gasless-relayer/signature"
)

var gameContract = common.HexToAddress("0x00000000000000000000000000000000000000cc")

// stubRelayer checks signatures the way the relayer does and records calls.
type stubRelayer struct {
	t *testing.T

	mu        sync.Mutex
	session   client.RegisterSessionRequest
	relayed   []client.TransactionRequest
	idemKeys  []string
	enableReq client.EnableRequest
}

func (s *stubRelayer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case "/session/register":
		var req client.RegisterSessionRequest
		assert.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		msg := signature.SessionKeyMessage(req.PublicKey, common.HexToAddress(req.UserAddress), req.ValidUntil)
		if !signature.VerifyHex(msg, req.Signature, req.UserAddress) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid signature"}`))
			return
		}
		s.session = req
		_, _ = w.Write([]byte(`{"success":true,"sessionRegistered":true}`))

	case "/session/status":
		_ = json.NewEncoder(w).Encode(client.SessionStatusResponse{
			HasSession:  true,
			SessionData: &client.SessionData{PublicKey: s.session.PublicKey, ValidUntil: s.session.ValidUntil},
		})

	case "/session/transaction":
		var req client.TransactionRequest
		assert.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		msg, err := signature.CallMessage(common.HexToAddress(req.UserAddress), common.HexToAddress(req.ContractAddress), req.FunctionName, req.Args)
		assert.NoError(s.t, err)
		if req.PublicKey != s.session.PublicKey || !signature.VerifyHex(msg, req.Signature, req.PublicKey) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid session signature"}`))
			return
		}
		s.relayed = append(s.relayed, req)
		s.idemKeys = append(s.idemKeys, r.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(`{"txHash":"0x01","status":"confirmed","requestKey":"0x02"}`))

	case "/aa/enable":
		var req client.EnableRequest
		assert.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		if !signature.VerifyHex(req.Message, req.Signature, req.WalletAddress) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid signature"}`))
			return
		}
		s.enableReq = req
		_, _ = w.Write([]byte(`{"smartAccountAddress":"0x00000000000000000000000000000000000000a1","txHash":"0x03"}`))

	case "/aa/status":
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited","retryAfter":28}`))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type harness struct {
	stub      *stubRelayer
	server    *httptest.Server
	cacheFile string
	walletKey string
	wallet    common.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	stub := &stubRelayer{t: t}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &harness{
		stub:      stub,
		server:    srv,
		cacheFile: filepath.Join(t.TempDir(), "session.json"),
		walletKey: hexutil.Encode(crypto.FromECDSA(key)),
		wallet:    crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(viper.New())
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	base := []string{
		"--server", h.server.URL,
		"--wallet-key", h.walletKey,
		"--cache-file", h.cacheFile,
		"--contract", gameContract.Hex(),
	}
	root.SetArgs(append(base, args...))
	err := root.Execute()
	return out.String(), err
}

func TestSessionNewThenPlay(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "session", "new", "--ttl", "2h")
	require.NoError(t, err)
	assert.Contains(t, out, "session key: "+h.stub.session.PublicKey)
	assert.Equal(t, h.wallet.Hex(), h.stub.session.UserAddress)

	cache, err := sessioncache.New(sessioncache.FilePersister{Path: h.cacheFile})
	require.NoError(t, err)
	entry, ok := cache.Get()
	require.True(t, ok)
	assert.True(t, entry.CanSign())
	assert.Equal(t, h.stub.session.PublicKey, entry.PublicKey)

	_, err = h.run(t, "play", "submit-score", "1200")
	require.NoError(t, err)
	_, err = h.run(t, "play", "register-player", "alice")
	require.NoError(t, err)

	require.Len(t, h.stub.relayed, 2)
	assert.Equal(t, "submitScore", h.stub.relayed[0].FunctionName)
	assert.Equal(t, "1200", h.stub.relayed[0].Args[0])
	assert.Equal(t, "registerPlayer", h.stub.relayed[1].FunctionName)
	for _, k := range h.stub.idemKeys {
		assert.Len(t, k, 64)
	}

	out, err = h.run(t, "-o", "json", "session", "status")
	require.NoError(t, err)
	var view map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, string(sessioncache.OutcomeInSync), view["outcome"])
	assert.Equal(t, true, view["canSign"])
}

func TestPlayWithoutSession(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "play", "submit-score", "5")
	require.ErrorContains(t, err, "no valid session key")

	_, err = h.run(t, "play", "submit-score", "5", "0x1234")
	require.Error(t, err)
	assert.Empty(t, h.stub.relayed)
}

func TestAAEnableAndStatus(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "aa", "enable")
	require.NoError(t, err)
	assert.Contains(t, out, "0x00000000000000000000000000000000000000a1")
	assert.Contains(t, strings.ToLower(h.stub.enableReq.Message), strings.ToLower(h.wallet.Hex()))

	_, err = h.run(t, "aa", "status")
	var apiErr *client.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, 28, apiErr.RetryAfter)
}

func TestAdminTokenFromEnv(t *testing.T) {
	t.Setenv("RELAYCTL_OPERATOR_SECRET", "s3cret")
	h := newHarness(t)

	out, err := h.run(t, "admin", "token", "--subject", "ops")
	require.NoError(t, err)

	claims := &middlewares.Claims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, middlewares.OperatorRole, claims.Role)
}

func TestMissingWalletKey(t *testing.T) {
	root := newRootCmd(viper.New())
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"aa", "status"})
	err := root.Execute()
	require.ErrorContains(t, err, "--wallet-key")
}
