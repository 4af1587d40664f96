package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/7maylord/whisper/pkgs/apperr"
	"github.com/7maylord/whisper/pkgs/audit"
	"github.com/7maylord/whisper/pkgs/commitreveal"
	"github.com/7maylord/whisper/pkgs/coordinator"
	"github.com/7maylord/whisper/pkgs/crypto"
	"github.com/7maylord/whisper/pkgs/ledger"
	rediskeys "github.com/7maylord/whisper/pkgs/redis"
	"github.com/7maylord/whisper/pkgs/relay"
	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	principalHex = "0x00000000000000000000000000000000000e0001"
	settlerHex   = "0x0000000000000000000000000000000000005e77"
	buyerHex     = "0x00000000000000000000000000000000000a11ce"
	sellerHex    = "0x0000000000000000000000000000000000000b0b"
	venueHex     = "0x000000000000000000000000000000000000f001"

	// 10 tokens at 2000 per token, 18 decimals
	tenTokens = "10000000000000000000"
	price2000 = "2000000000000000000000"
)

var oppositeHex = common.HexToHash("0xbeef").Hex()

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, coordOpts []coordinator.Option, opts ...Option) (*Server, http.Handler) {
	t.Helper()
	coord, err := coordinator.New(coordinator.Config{
		Principal: common.HexToAddress(principalHex),
		Delegates: []common.Address{common.HexToAddress("0xde1e9")},
		Settlers:  []common.Address{common.HexToAddress(settlerHex)},
		MarkupBps: ledger.DefaultMarkupBps,
	}, coordOpts...)
	require.NoError(t, err)
	s := NewServer(coord, opts...)
	return s, s.Router()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func submit(t *testing.T, h http.Handler) string {
	t.Helper()
	return submitAs(t, h, buyerHex)
}

func submitAs(t *testing.T, h http.Handler, submitter string) string {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/v1/intentions", gin.H{
		"venue":     venueHex,
		"submitter": submitter,
		"side":      "buy",
		"amount":    tenTokens,
		"price":     price2000,
		"origin":    1,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp submitIntentionResponse
	decode(t, w, &resp)
	require.NotEmpty(t, resp.IntentionID)
	return resp.IntentionID
}

func register(t *testing.T, h http.Handler, addr string) {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/v1/verifiers", gin.H{"address": addr})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func attestBody(verifier, intentionID string) gin.H {
	return gin.H{
		"verifier":        verifier,
		"intention_id":    intentionID,
		"opposite_id":     oppositeHex,
		"amount":          tenTokens,
		"price":           price2000,
		"opposite_origin": 2,
		"counterparty":    sellerHex,
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindValidation:    http.StatusBadRequest,
		apperr.KindState:         http.StatusConflict,
		apperr.KindAuthorization: http.StatusForbidden,
		apperr.KindNotFound:      http.StatusNotFound,
		apperr.KindExternal:      http.StatusBadGateway,
	}
	for kind, status := range cases {
		assert.Equal(t, status, StatusFor(apperr.New(kind, "X", "x")), kind.String())
	}
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("plain")))
}

func TestMatchFlow(t *testing.T) {
	_, h := newTestServer(t, nil)
	verifiers := []string{"0x0000000000000000000000000000000000002000", "0x0000000000000000000000000000000000002001", "0x0000000000000000000000000000000000002002"}
	for _, v := range verifiers {
		register(t, h, v)
	}
	id := submit(t, h)

	w := do(t, h, http.MethodGet, "/api/v1/intentions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var intention map[string]interface{}
	decode(t, w, &intention)
	assert.Equal(t, "pending", intention["state"])

	w = do(t, h, http.MethodGet, "/api/v1/venues/"+venueHex+"/pending?side=buy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = do(t, h, http.MethodPost, "/api/v1/attestations", attestBody(verifiers[0], id))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first attestResponse
	decode(t, w, &first)
	assert.False(t, first.Finalized)
	assert.Equal(t, 2, first.Required)

	w = do(t, h, http.MethodPost, "/api/v1/attestations", attestBody(verifiers[1], id))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var second attestResponse
	decode(t, w, &second)
	require.True(t, second.Finalized)
	require.NotNil(t, second.Match)
	assert.Equal(t, tenTokens, second.Match.Amount)
	assert.Equal(t, price2000, second.Match.Price)
	assert.Equal(t, 2, second.Match.ConsensusCount)
	assert.Equal(t, "160", second.Match.Savings)

	w = do(t, h, http.MethodPost, "/api/v1/attestations", attestBody(verifiers[2], id))
	assert.Equal(t, http.StatusConflict, w.Code)

	matchPath := "/api/v1/matches/" + second.Match.ID
	w = do(t, h, http.MethodGet, matchPath, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/intentions/"+id+"/match", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, matchPath+"/execute", gin.H{"caller": buyerHex})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = do(t, h, http.MethodPost, matchPath+"/execute", gin.H{"caller": settlerHex})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, h, http.MethodPost, matchPath+"/execute", gin.H{"caller": settlerHex})
	assert.Equal(t, http.StatusConflict, w.Code)
	var body errorResponse
	decode(t, w, &body)
	assert.Equal(t, "AlreadyExecuted", body.Code)

	w = do(t, h, http.MethodPost, matchPath+"/settle", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/matches", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), second.Match.ID)
}

func TestErrorMapping(t *testing.T) {
	_, h := newTestServer(t, nil)

	w := do(t, h, http.MethodGet, "/api/v1/intentions/"+common.HexToHash("0x01").Hex(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	var body errorResponse
	decode(t, w, &body)
	assert.Equal(t, "IntentionNotFound", body.Code)
	assert.True(t, body.Retryable)

	w = do(t, h, http.MethodGet, "/api/v1/intentions/nothex", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	id := submit(t, h)
	w = do(t, h, http.MethodPost, "/api/v1/attestations", attestBody("0x0000000000000000000000000000000000002000", id))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// 1 wei cannot be represented at six decimals
	w = do(t, h, http.MethodPost, "/api/v1/intentions", gin.H{
		"venue": venueHex, "submitter": buyerHex, "side": "buy", "amount": "1", "price": price2000,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	decode(t, w, &body)
	assert.Equal(t, "PrecisionLoss", body.Code)

	w = do(t, h, http.MethodPost, "/api/v1/intentions", gin.H{
		"venue": venueHex, "submitter": buyerHex, "side": "hold", "amount": tenTokens, "price": price2000,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/intentions", gin.H{
		"venue": venueHex, "submitter": buyerHex, "side": "buy", "price": price2000,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/verifiers", gin.H{"address": "0x0000000000000000000000000000000000002000"})
	assert.Equal(t, http.StatusCreated, w.Code)
	w = do(t, h, http.MethodPost, "/api/v1/verifiers", gin.H{"address": "0x0000000000000000000000000000000000002000"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/matches/"+common.HexToHash("0x01").Hex()+"/settle", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	decode(t, w, &body)
	assert.Equal(t, "SettlementDisabled", body.Code)
}

func TestDelegatedMatchRoute(t *testing.T) {
	_, h := newTestServer(t, nil)
	id := submit(t, h)

	body := attestBody("", id)
	body["caller"] = sellerHex
	body["consensus_count"] = 3
	w := do(t, h, http.MethodPost, "/api/v1/delegated-matches", body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	body["caller"] = common.HexToAddress("0xde1e9").Hex()
	w = do(t, h, http.MethodPost, "/api/v1/delegated-matches", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var m matchView
	decode(t, w, &m)
	assert.True(t, m.Delegated)
	assert.Equal(t, 3, m.ConsensusCount)
}

func TestSignedAttestations(t *testing.T) {
	verifier, err := crypto.NewEIP712Verifier(1, "0x000AA7d3a6a2556496f363B59e56D9aA1881548F")
	require.NoError(t, err)
	_, h := newTestServer(t, nil, WithSignatures(verifier, true))

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer := ethcrypto.PubkeyToAddress(key.PublicKey)

	w := do(t, h, http.MethodPost, "/api/v1/verifiers", gin.H{"address": signer.Hex()})
	assert.Equal(t, http.StatusForbidden, w.Code)
	regHash, err := verifier.HashRegistration(&crypto.Registration{Verifier: signer})
	require.NoError(t, err)
	w = do(t, h, http.MethodPost, "/api/v1/verifiers", gin.H{"address": signer.Hex(), "signature": signWith(t, key, regHash)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := submit(t, h)

	w = do(t, h, http.MethodPost, "/api/v1/attestations", attestBody(signer.Hex(), id))
	assert.Equal(t, http.StatusForbidden, w.Code)
	var body errorResponse
	decode(t, w, &body)
	assert.Equal(t, "SignatureRequired", body.Code)

	amount, _ := new(big.Int).SetString(tenTokens, 10)
	price, _ := new(big.Int).SetString(price2000, 10)
	hash, err := verifier.HashAttestation(&crypto.Attestation{
		IntentionID:    common.HexToHash(id),
		OppositeID:     common.HexToHash(oppositeHex),
		Amount:         amount,
		Price:          price,
		OppositeOrigin: 2,
		Counterparty:   common.HexToAddress(sellerHex),
	})
	require.NoError(t, err)
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)

	signed := attestBody("", id)
	signed["signature"] = hexutil.Encode(sig)
	w = do(t, h, http.MethodPost, "/api/v1/attestations", signed)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp attestResponse
	decode(t, w, &resp)
	assert.Equal(t, signer.Hex(), resp.Verifier)
	assert.True(t, resp.Finalized)

	// a claimed identity must agree with the signature
	id2 := submit(t, h)
	mismatch := attestBody("0x0000000000000000000000000000000000002000", id2)
	mismatch["signature"] = hexutil.Encode(sig)
	w = do(t, h, http.MethodPost, "/api/v1/attestations", mismatch)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCommitRevealRoutes(t *testing.T) {
	_, h := newTestServer(t, nil)
	id := submit(t, h)

	nonce := common.HexToHash("0x5eed")
	amount, _ := new(big.Int).SetString(tenTokens, 10)
	price, _ := new(big.Int).SetString(price2000, 10)
	hash, err := commitreveal.ComputeCommitment(common.HexToAddress(buyerHex), common.HexToHash(id), amount, price, nonce)
	require.NoError(t, err)

	w := do(t, h, http.MethodPost, "/api/v1/commitments", gin.H{"submitter": buyerHex, "hash": hash.Hex()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	reveal := gin.H{"intention_id": id, "amount": tenTokens, "price": "1", "nonce": nonce.Hex()}
	w = do(t, h, http.MethodPost, "/api/v1/commitments/"+buyerHex+"/reveal", reveal)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	reveal["price"] = price2000
	w = do(t, h, http.MethodPost, "/api/v1/commitments/"+buyerHex+"/reveal", reveal)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, "/api/v1/commitments/"+buyerHex+"/reveal", reveal)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/commitments/"+buyerHex, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = do(t, h, http.MethodGet, "/api/v1/commitments/"+sellerHex, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func signWith(t *testing.T, key *ecdsa.PrivateKey, hash []byte) string {
	t.Helper()
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)
	return hexutil.Encode(sig)
}

func TestSignedCommitRevealRoutes(t *testing.T) {
	verifier, err := crypto.NewEIP712Verifier(1, "0x000AA7d3a6a2556496f363B59e56D9aA1881548F")
	require.NoError(t, err)
	_, h := newTestServer(t, nil, WithSignatures(verifier, true))

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	owner := ethcrypto.PubkeyToAddress(key.PublicKey)
	id := submitAs(t, h, owner.Hex())

	nonce := common.HexToHash("0x5eed")
	amount, _ := new(big.Int).SetString(tenTokens, 10)
	price, _ := new(big.Int).SetString(price2000, 10)
	hash, err := commitreveal.ComputeCommitment(owner, common.HexToHash(id), amount, price, nonce)
	require.NoError(t, err)

	// a claimed submitter is not enough
	w := do(t, h, http.MethodPost, "/api/v1/commitments", gin.H{"submitter": owner.Hex(), "hash": hash.Hex()})
	assert.Equal(t, http.StatusForbidden, w.Code)
	var body errorResponse
	decode(t, w, &body)
	assert.Equal(t, "SignatureRequired", body.Code)

	commitHash, err := verifier.HashCommitment(&crypto.Commitment{Hash: hash})
	require.NoError(t, err)
	commitSig := signWith(t, key, commitHash)

	w = do(t, h, http.MethodPost, "/api/v1/commitments", gin.H{"submitter": buyerHex, "hash": hash.Hex(), "signature": commitSig})
	assert.Equal(t, http.StatusForbidden, w.Code)
	decode(t, w, &body)
	assert.Equal(t, "SignerMismatch", body.Code)

	w = do(t, h, http.MethodPost, "/api/v1/commitments", gin.H{"hash": hash.Hex(), "signature": commitSig})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	reveal := gin.H{"intention_id": id, "amount": tenTokens, "price": price2000, "nonce": nonce.Hex()}
	revealPath := "/api/v1/commitments/" + owner.Hex() + "/reveal"
	w = do(t, h, http.MethodPost, revealPath, reveal)
	assert.Equal(t, http.StatusForbidden, w.Code)

	revealHash, err := verifier.HashReveal(&crypto.Reveal{IntentionID: common.HexToHash(id), Amount: amount, Price: price, Nonce: nonce})
	require.NoError(t, err)
	reveal["signature"] = signWith(t, key, revealHash)

	// someone else's path cannot carry the owner's signature
	w = do(t, h, http.MethodPost, "/api/v1/commitments/"+buyerHex+"/reveal", reveal)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, h, http.MethodPost, revealPath, reveal)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestSignedExecutionRoute(t *testing.T) {
	verifier, err := crypto.NewEIP712Verifier(1, "0x000AA7d3a6a2556496f363B59e56D9aA1881548F")
	require.NoError(t, err)

	delegateKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	settlerKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	strangerKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	settler := ethcrypto.PubkeyToAddress(settlerKey.PublicKey)

	coord, err := coordinator.New(coordinator.Config{
		Principal: common.HexToAddress(principalHex),
		Delegates: []common.Address{ethcrypto.PubkeyToAddress(delegateKey.PublicKey)},
		Settlers:  []common.Address{settler},
	})
	require.NoError(t, err)
	h := NewServer(coord, WithSignatures(verifier, true)).Router()

	id := submit(t, h)
	amount, _ := new(big.Int).SetString(tenTokens, 10)
	price, _ := new(big.Int).SetString(price2000, 10)
	dHash, err := verifier.HashDelegatedMatch(&crypto.DelegatedMatch{
		Attestation: crypto.Attestation{
			IntentionID:    common.HexToHash(id),
			OppositeID:     common.HexToHash(oppositeHex),
			Amount:         amount,
			Price:          price,
			OppositeOrigin: 2,
			Counterparty:   common.HexToAddress(sellerHex),
		},
		ConsensusCount: 1,
	})
	require.NoError(t, err)
	delegated := attestBody("", id)
	delegated["consensus_count"] = 1
	delegated["signature"] = signWith(t, delegateKey, dHash)
	w := do(t, h, http.MethodPost, "/api/v1/delegated-matches", delegated)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var m matchView
	decode(t, w, &m)

	matchID := common.HexToHash(m.ID)
	path := "/api/v1/matches/" + m.ID + "/execute"
	execHash, err := verifier.HashExecution(&crypto.Execution{MatchID: matchID})
	require.NoError(t, err)

	var body errorResponse
	w = do(t, h, http.MethodPost, path, gin.H{"caller": settler.Hex()})
	assert.Equal(t, http.StatusForbidden, w.Code)
	decode(t, w, &body)
	assert.Equal(t, "SignatureRequired", body.Code)

	w = do(t, h, http.MethodPost, path, gin.H{"signature": signWith(t, strangerKey, execHash)})
	assert.Equal(t, http.StatusForbidden, w.Code)
	decode(t, w, &body)
	assert.Equal(t, "NotASettler", body.Code)

	// a signature over another match does not transfer
	otherHash, err := verifier.HashExecution(&crypto.Execution{MatchID: common.HexToHash("0x01")})
	require.NoError(t, err)
	w = do(t, h, http.MethodPost, path, gin.H{"caller": settler.Hex(), "signature": signWith(t, settlerKey, otherHash)})
	assert.Equal(t, http.StatusForbidden, w.Code)

	stored, err := coord.GetMatch(matchID)
	require.NoError(t, err)
	assert.False(t, stored.Executed)

	w = do(t, h, http.MethodPost, path, gin.H{"caller": settler.Hex(), "signature": signWith(t, settlerKey, execHash)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var done matchView
	decode(t, w, &done)
	assert.True(t, done.Executed)
}

func TestDiscoveryRoutes(t *testing.T) {
	_, h := newTestServer(t, nil)
	msg := relay.Message{
		IntentionID: common.HexToHash("0xbeef"),
		Venue:       common.HexToAddress(venueHex),
		Side:        "sell",
		Origin:      2,
	}
	w := do(t, h, http.MethodPost, relay.DiscoveryPath, msg)
	assert.Equal(t, http.StatusConflict, w.Code)

	inbox, err := relay.NewInbox(nil, 8)
	require.NoError(t, err)
	_, h = newTestServer(t, []coordinator.Option{coordinator.WithInbox(inbox)})

	w = do(t, h, http.MethodPost, relay.DiscoveryPath, msg)
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = do(t, h, http.MethodPost, relay.DiscoveryPath, msg)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/discovery?side=sell&venue="+venueHex, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Intentions []relay.Message `json:"intentions"`
		Count      int             `json:"count"`
	}
	decode(t, w, &listed)
	require.Equal(t, 1, listed.Count)
	assert.Equal(t, msg.IntentionID, listed.Intentions[0].IntentionID)

	w = do(t, h, http.MethodPost, relay.DiscoveryPath, relay.Message{Venue: msg.Venue, Side: "sell"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/discovery/stats", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMatchServedFromAuditTrail(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rec := audit.NewRedisRecorder(client, rediskeys.NewKeyBuilder("test", "c1"), 16, nil)
	rec.Start(context.Background())

	_, h := newTestServer(t, []coordinator.Option{coordinator.WithAudit(rec)}, WithAudit(rec))
	register(t, h, "0x0000000000000000000000000000000000002000")
	id := submit(t, h)
	w := do(t, h, http.MethodPost, "/api/v1/attestations", attestBody("0x0000000000000000000000000000000000002000", id))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res attestResponse
	decode(t, w, &res)
	require.NotNil(t, res.Match)
	rec.Stop()

	// a restarted coordinator no longer holds the match in memory
	_, restarted := newTestServer(t, nil, WithAudit(rec))
	w = do(t, restarted, http.MethodGet, "/api/v1/matches/"+res.Match.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var m matchView
	decode(t, w, &m)
	assert.Equal(t, res.Match.ID, m.ID)
	assert.Equal(t, tenTokens, m.Amount)

	w = do(t, restarted, http.MethodGet, "/api/v1/matches/"+common.HexToHash("0xdead").Hex(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, bare := newTestServer(t, nil)
	w = do(t, bare, http.MethodGet, "/api/v1/matches/"+res.Match.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndStats(t *testing.T) {
	_, h := newTestServer(t, nil, WithCoordinatorID("coord-1"))
	w := do(t, h, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "coord-1")

	w = do(t, h, http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
