package api

import (
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/7maylord/whisper/pkgs/commitreveal"
	"github.com/7maylord/whisper/pkgs/confidential"
	"github.com/7maylord/whisper/pkgs/consensus"
	"github.com/7maylord/whisper/pkgs/crypto"
	"github.com/7maylord/whisper/pkgs/intents"
	"github.com/7maylord/whisper/pkgs/ledger"
	"github.com/7maylord/whisper/pkgs/relay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// @Summary Health check
// @Tags system
// @Produce json
// @Router /health [get]
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"coordinator_id": s.coordinatorID,
		"principal":      s.coord.Principal().Hex(),
		"timestamp":      time.Now(),
	})
}

// @Summary Coordinator statistics
// @Tags system
// @Produce json
// @Router /stats [get]
func (s *Server) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Stats())
}

// @Summary Submit a trade intention
// @Description Accepts plaintext 18-decimal figures, which are sealed on receipt, or handles sealed earlier
// @Tags intentions
// @Accept json
// @Produce json
// @Router /intentions [post]
func (s *Server) SubmitIntention(c *gin.Context) {
	var req submitIntentionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	venue, err := parseAddress("venue", req.Venue)
	if err != nil {
		badRequest(c, err)
		return
	}
	submitter, err := parseAddress("submitter", req.Submitter)
	if err != nil {
		badRequest(c, err)
		return
	}
	side, err := intents.ParseSide(req.Side)
	if err != nil {
		fail(c, err)
		return
	}

	amount, err := s.sealOrParse(req.Amount, req.AmountHandle, "amount", submitter)
	if err != nil {
		fail(c, err)
		return
	}
	price, err := s.sealOrParse(req.Price, req.PriceHandle, "price", submitter)
	if err != nil {
		fail(c, err)
		return
	}

	id, err := s.coord.SubmitIntention(intents.SubmitRequest{
		Venue:     venue,
		Submitter: submitter,
		Side:      side,
		Amount:    amount,
		Price:     price,
		Origin:    req.Origin,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, submitIntentionResponse{
		IntentionID:  id.Hex(),
		AmountHandle: amount.Hex(),
		PriceHandle:  price.Hex(),
	})
}

// sealOrParse returns the handle given, or seals the plaintext figure for owner
func (s *Server) sealOrParse(plain, handle, field string, owner common.Address) (confidential.Handle, error) {
	switch {
	case handle != "" && plain != "":
		return confidential.Handle{}, ErrBadRequest.WithCause(errFieldConflict(field))
	case handle != "":
		h, err := parseHandle(field+"_handle", handle)
		if err != nil {
			return h, ErrBadRequest.WithCause(err)
		}
		return h, nil
	case plain != "":
		v, err := parseScaled(field, plain)
		if err != nil {
			return confidential.Handle{}, err
		}
		return s.coord.Encrypt(v, owner)
	}
	return confidential.Handle{}, ErrBadRequest.WithCause(errFieldMissing(field))
}

// @Summary Get an intention
// @Tags intentions
// @Produce json
// @Param id path string true "Intention id"
// @Router /intentions/{id} [get]
func (s *Server) GetIntention(c *gin.Context) {
	id, err := parseHash("id", c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	intention, err := s.coord.GetIntention(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, intention)
}

// @Summary Attestation round status
// @Tags intentions
// @Produce json
// @Router /intentions/{id}/round [get]
func (s *Server) RoundStatus(c *gin.Context) {
	id, err := parseHash("id", c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, s.coord.RoundStatus(id))
}

// @Summary Match finalized for an intention
// @Tags intentions
// @Produce json
// @Router /intentions/{id}/match [get]
func (s *Server) MatchByIntention(c *gin.Context) {
	id, err := parseHash("id", c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	m, err := s.coord.MatchByIntention(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newMatchView(m))
}

// @Summary Audit trail of an intention
// @Tags intentions
// @Produce json
// @Router /intentions/{id}/history [get]
func (s *Server) History(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "audit trail not configured"})
		return
	}
	id, err := parseHash("id", c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}

	history, err := s.audit.History(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	attestations, err := s.audit.Attestations(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"intention_id": id.Hex(),
		"states":       history,
		"attestations": attestations,
	})
}

// @Summary Pending intentions for a venue
// @Tags intentions
// @Produce json
// @Param side query string true "buy or sell"
// @Router /venues/{venue}/pending [get]
func (s *Server) ListPending(c *gin.Context) {
	venue, err := parseAddress("venue", c.Param("venue"))
	if err != nil {
		badRequest(c, err)
		return
	}
	side, err := intents.ParseSide(c.Query("side"))
	if err != nil {
		fail(c, err)
		return
	}

	ids := s.coord.ListPending(venue, side)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Hex()
	}
	c.JSON(http.StatusOK, gin.H{
		"venue":      venue.Hex(),
		"side":       side,
		"intentions": out,
	})
}

// @Summary Register a verifier
// @Tags verifiers
// @Accept json
// @Produce json
// @Router /verifiers [post]
func (s *Server) RegisterVerifier(c *gin.Context) {
	var req registerVerifierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claimed, err := parseAddress("address", req.Address)
	if err != nil {
		badRequest(c, err)
		return
	}
	// a signed registration proves the verifier holds its key
	identity, err := s.identity("address", req.Address, req.Signature, func() (common.Address, error) {
		return s.signatures.VerifyRegistration(&crypto.Registration{Verifier: claimed, Deadline: req.Deadline}, req.Signature)
	})
	if err != nil {
		fail(c, err)
		return
	}

	v, err := s.coord.RegisterVerifier(identity)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

// @Summary List verifiers
// @Tags verifiers
// @Produce json
// @Router /verifiers [get]
func (s *Server) ListVerifiers(c *gin.Context) {
	verifiers := s.coord.Verifiers()
	c.JSON(http.StatusOK, gin.H{
		"verifiers": verifiers,
		"count":     len(verifiers),
	})
}

// terms is an attestation body after parsing
type terms struct {
	intentionID  common.Hash
	oppositeID   common.Hash
	rawAmount    *big.Int
	rawPrice     *big.Int
	amount       *big.Int
	price        *big.Int
	counterparty common.Address
}

func parseTerms(req *attestRequest) (*terms, error) {
	var (
		t   terms
		err error
	)
	if t.intentionID, err = parseHash("intention_id", req.IntentionID); err != nil {
		return nil, ErrBadRequest.WithCause(err)
	}
	if t.oppositeID, err = parseHash("opposite_id", req.OppositeID); err != nil {
		return nil, ErrBadRequest.WithCause(err)
	}
	if req.Counterparty != "" {
		if t.counterparty, err = parseAddress("counterparty", req.Counterparty); err != nil {
			return nil, ErrBadRequest.WithCause(err)
		}
	}
	if t.rawAmount, err = parseInt("amount", req.Amount); err != nil {
		return nil, err
	}
	if t.rawPrice, err = parseInt("price", req.Price); err != nil {
		return nil, err
	}
	if t.amount, err = confidential.ScaleDown(t.rawAmount); err != nil {
		return nil, err
	}
	if t.price, err = confidential.ScaleDown(t.rawPrice); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *terms) typed(req *attestRequest) *crypto.Attestation {
	return &crypto.Attestation{
		IntentionID:    t.intentionID,
		OppositeID:     t.oppositeID,
		Amount:         t.rawAmount,
		Price:          t.rawPrice,
		OppositeOrigin: req.OppositeOrigin,
		Counterparty:   t.counterparty,
		Deadline:       req.Deadline,
	}
}

// identity resolves who is acting. A signature, when present, names the
// signer; a claimed address must then agree with it.
func (s *Server) identity(field, claimed, signature string, recover func() (common.Address, error)) (common.Address, error) {
	if signature != "" && s.signatures != nil {
		signer, err := recover()
		if err != nil {
			return common.Address{}, err
		}
		if claimed != "" {
			addr, err := parseAddress(field, claimed)
			if err != nil {
				return common.Address{}, ErrBadRequest.WithCause(err)
			}
			if addr != signer {
				return common.Address{}, ErrSignerMismatch
			}
		}
		return signer, nil
	}
	if s.requireSignatures {
		return common.Address{}, ErrSignatureRequired
	}

	addr, err := parseAddress(field, claimed)
	if err != nil {
		return common.Address{}, ErrBadRequest.WithCause(err)
	}
	return addr, nil
}

// @Summary Attest a match
// @Description Records a verifier's attestation; the response carries the match when quorum is reached
// @Tags consensus
// @Accept json
// @Produce json
// @Router /attestations [post]
func (s *Server) AttestMatch(c *gin.Context) {
	var req attestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := parseTerms(&req)
	if err != nil {
		fail(c, err)
		return
	}

	verifier, err := s.identity("verifier", req.Verifier, req.Signature, func() (common.Address, error) {
		return s.signatures.VerifyAttestation(t.typed(&req), req.Signature)
	})
	if err != nil {
		fail(c, err)
		return
	}

	res, err := s.coord.AttestMatch(c.Request.Context(), consensus.AttestRequest{
		Verifier:       verifier,
		IntentionID:    t.intentionID,
		OppositeID:     t.oppositeID,
		Amount:         t.amount,
		Price:          t.price,
		OppositeOrigin: req.OppositeOrigin,
		Counterparty:   t.counterparty,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, attestResponse{
		Verifier:   verifier.Hex(),
		GroupCount: res.GroupCount,
		TotalCount: res.TotalCount,
		RosterSize: res.RosterSize,
		Required:   res.Required,
		Finalized:  res.Match != nil,
		Match:      newMatchView(res.Match),
	})
}

// @Summary Record a delegated match
// @Tags consensus
// @Accept json
// @Produce json
// @Router /delegated-matches [post]
func (s *Server) CreateDelegatedMatch(c *gin.Context) {
	var req delegatedMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := parseTerms(&req.attestRequest)
	if err != nil {
		fail(c, err)
		return
	}

	caller, err := s.identity("caller", req.Caller, req.Signature, func() (common.Address, error) {
		return s.signatures.VerifyDelegatedMatch(&crypto.DelegatedMatch{
			Attestation:    *t.typed(&req.attestRequest),
			ConsensusCount: req.ConsensusCount,
		}, req.Signature)
	})
	if err != nil {
		fail(c, err)
		return
	}

	m, err := s.coord.CreateDelegatedMatch(c.Request.Context(), consensus.DelegatedRequest{
		Caller:         caller,
		IntentionID:    t.intentionID,
		OppositeID:     t.oppositeID,
		Amount:         t.amount,
		Price:          t.price,
		OppositeOrigin: req.OppositeOrigin,
		Counterparty:   t.counterparty,
		ConsensusCount: int(req.ConsensusCount),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, newMatchView(m))
}

// @Summary Commit to an intention hash
// @Tags commit-reveal
// @Accept json
// @Produce json
// @Router /commitments [post]
func (s *Server) Commit(c *gin.Context) {
	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	hash, err := parseHash("hash", req.Hash)
	if err != nil {
		badRequest(c, err)
		return
	}
	submitter, err := s.identity("submitter", req.Submitter, req.Signature, func() (common.Address, error) {
		return s.signatures.VerifyCommitment(&crypto.Commitment{Hash: hash, Deadline: req.Deadline}, req.Signature)
	})
	if err != nil {
		fail(c, err)
		return
	}

	commitment, err := s.coord.Commit(submitter, hash)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, commitment)
}

// @Summary Current commitment of a submitter
// @Tags commit-reveal
// @Produce json
// @Router /commitments/{submitter} [get]
func (s *Server) GetCommitment(c *gin.Context) {
	submitter, err := parseAddress("submitter", c.Param("submitter"))
	if err != nil {
		badRequest(c, err)
		return
	}
	commitment, err := s.coord.Commitment(submitter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, commitment)
}

// @Summary Reveal a commitment
// @Tags commit-reveal
// @Accept json
// @Produce json
// @Router /commitments/{submitter}/reveal [post]
func (s *Server) Reveal(c *gin.Context) {
	var req revealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	var (
		reveal commitreveal.RevealRequest
		err    error
	)
	if reveal.IntentionID, err = parseHash("intention_id", req.IntentionID); err != nil {
		badRequest(c, err)
		return
	}
	if reveal.Nonce, err = parseHash("nonce", req.Nonce); err != nil {
		badRequest(c, err)
		return
	}
	if reveal.Amount, err = parseInt("amount", req.Amount); err != nil {
		fail(c, err)
		return
	}
	if reveal.Price, err = parseInt("price", req.Price); err != nil {
		fail(c, err)
		return
	}

	submitter, err := s.identity("submitter", c.Param("submitter"), req.Signature, func() (common.Address, error) {
		return s.signatures.VerifyReveal(&crypto.Reveal{
			IntentionID: reveal.IntentionID,
			Amount:      reveal.Amount,
			Price:       reveal.Price,
			Nonce:       reveal.Nonce,
			Deadline:    req.Deadline,
		}, req.Signature)
	})
	if err != nil {
		fail(c, err)
		return
	}

	commitment, err := s.coord.Reveal(submitter, reveal)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, commitment)
}

// @Summary List finalized matches
// @Tags matches
// @Produce json
// @Router /matches [get]
func (s *Server) ListMatches(c *gin.Context) {
	matches := s.coord.Matches()
	out := make([]*matchView, len(matches))
	for i, m := range matches {
		out[i] = newMatchView(m)
	}
	c.JSON(http.StatusOK, gin.H{
		"matches": out,
		"count":   len(out),
	})
}

// @Summary Get a match
// @Description Falls back to the audit trail for matches this process no longer holds
// @Tags matches
// @Produce json
// @Router /matches/{id} [get]
func (s *Server) GetMatch(c *gin.Context) {
	id, err := parseHash("id", c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	m, err := s.coord.GetMatch(id)
	if errors.Is(err, ledger.ErrMatchNotFound) && s.audit != nil {
		m, err = s.audit.Match(c.Request.Context(), id)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newMatchView(m))
}

// @Summary Mark a match executed
// @Description For matches settled outside the coordinator, reported by a configured settler or delegate
// @Tags matches
// @Accept json
// @Produce json
// @Router /matches/{id}/execute [post]
func (s *Server) MarkExecuted(c *gin.Context) {
	id, err := parseHash("id", c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	caller, err := s.identity("caller", req.Caller, req.Signature, func() (common.Address, error) {
		return s.signatures.VerifyExecution(&crypto.Execution{MatchID: id, Deadline: req.Deadline}, req.Signature)
	})
	if err != nil {
		fail(c, err)
		return
	}

	m, err := s.coord.MarkExecuted(caller, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newMatchView(m))
}

// @Summary Settle a match on its venue
// @Tags matches
// @Produce json
// @Router /matches/{id}/settle [post]
func (s *Server) SettleMatch(c *gin.Context) {
	id, err := parseHash("id", c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	m, receipt, err := s.coord.SettleMatch(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"match":   newMatchView(m),
		"receipt": receipt,
	})
}

// @Summary Receive a peer venue's discovery message
// @Tags discovery
// @Accept json
// @Produce json
// @Router /discovery [post]
func (s *Server) ReceiveDiscovery(c *gin.Context) {
	var msg relay.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		badRequest(c, err)
		return
	}
	fresh, err := s.coord.ReceiveDiscovery(c.Request.Context(), &msg)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusAccepted
	if !fresh {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"accepted": fresh})
}

// @Summary Remote intentions announced by peer venues
// @Tags discovery
// @Produce json
// @Param venue query string false "Venue address"
// @Param side query string false "buy or sell"
// @Router /discovery [get]
func (s *Server) ListDiscovered(c *gin.Context) {
	var venue common.Address
	if v := c.Query("venue"); v != "" {
		var err error
		if venue, err = parseAddress("venue", v); err != nil {
			badRequest(c, err)
			return
		}
	}
	side := c.Query("side")
	if side != "" {
		parsed, err := intents.ParseSide(side)
		if err != nil {
			fail(c, err)
			return
		}
		side = string(parsed)
	}

	msgs, err := s.coord.ListDiscovered(venue, side)
	if err != nil {
		fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []relay.Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"intentions": msgs,
		"count":      len(msgs),
	})
}

// @Summary Shared discovery dedup statistics
// @Tags discovery
// @Produce json
// @Router /discovery/stats [get]
func (s *Server) DiscoveryStats(c *gin.Context) {
	if s.dedup == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "shared dedup not configured"})
		return
	}
	stats, err := s.dedup.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error(), Retryable: true})
		return
	}
	c.JSON(http.StatusOK, stats)
}
