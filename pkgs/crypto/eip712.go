// Package crypto verifies EIP-712 signatures on the coordinator's signed requests.
package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/7maylord/whisper/pkgs/apperr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	log "github.com/sirupsen/logrus"
)

const (
	DomainName    = "WhisperCoordinator"
	DomainVersion = "1"
)

var (
	ErrInvalidSignature = apperr.New(apperr.KindAuthorization, "InvalidSignature", "signature does not verify")
	ErrSignatureExpired = apperr.New(apperr.KindAuthorization, "SignatureExpired", "signature deadline has passed")
)

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var matchTerms = []apitypes.Type{
	{Name: "intentionId", Type: "bytes32"},
	{Name: "oppositeId", Type: "bytes32"},
	{Name: "amount", Type: "uint256"},
	{Name: "price", Type: "uint256"},
	{Name: "oppositeOrigin", Type: "uint256"},
	{Name: "counterparty", Type: "address"},
}

// Attestation is the typed message a verifier signs
type Attestation struct {
	IntentionID    common.Hash
	OppositeID     common.Hash
	Amount         *big.Int
	Price          *big.Int
	OppositeOrigin uint64
	Counterparty   common.Address
	Deadline       uint64
}

// DelegatedMatch is the typed message a delegate signs
type DelegatedMatch struct {
	Attestation
	ConsensusCount uint64
}

// Commitment is the typed message a submitter signs to commit
type Commitment struct {
	Hash     common.Hash
	Deadline uint64
}

// Reveal is the typed message a submitter signs to open a commitment
type Reveal struct {
	IntentionID common.Hash
	Amount      *big.Int
	Price       *big.Int
	Nonce       common.Hash
	Deadline    uint64
}

// Execution is the typed message a settler signs to mark a match executed
type Execution struct {
	MatchID  common.Hash
	Deadline uint64
}

// Registration is the typed message a verifier signs to join the roster
type Registration struct {
	Verifier common.Address
	Deadline uint64
}

var deadlineField = apitypes.Type{Name: "deadline", Type: "uint256"}

// EIP712Verifier handles EIP-712 signature verification
type EIP712Verifier struct {
	chainID           *big.Int
	verifyingContract common.Address
	now               func() time.Time
}

// NewEIP712Verifier creates a new verifier with domain parameters
func NewEIP712Verifier(chainID int64, verifyingContract string) (*EIP712Verifier, error) {
	if !common.IsHexAddress(verifyingContract) {
		return nil, fmt.Errorf("invalid verifying contract address: %s", verifyingContract)
	}

	return &EIP712Verifier{
		chainID:           big.NewInt(chainID),
		verifyingContract: common.HexToAddress(verifyingContract),
		now:               time.Now,
	}, nil
}

// SetClock replaces the time source used for deadlines
func (v *EIP712Verifier) SetClock(now func() time.Time) {
	v.now = now
}

func (v *EIP712Verifier) domain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainId:           (*math.HexOrDecimal256)(v.chainID),
		VerifyingContract: v.verifyingContract.Hex(),
	}
}

func termsMessage(a *Attestation) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"intentionId":    a.IntentionID.Bytes(),
		"oppositeId":     a.OppositeID.Bytes(),
		"amount":         (*math.HexOrDecimal256)(new(big.Int).Set(bigOrZero(a.Amount))),
		"price":          (*math.HexOrDecimal256)(new(big.Int).Set(bigOrZero(a.Price))),
		"oppositeOrigin": (*math.HexOrDecimal256)(new(big.Int).SetUint64(a.OppositeOrigin)),
		"counterparty":   a.Counterparty.Hex(),
		"deadline":       (*math.HexOrDecimal256)(new(big.Int).SetUint64(a.Deadline)),
	}
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// HashAttestation creates the EIP-712 hash for an attestation
func (v *EIP712Verifier) HashAttestation(a *Attestation) ([]byte, error) {
	fields := append(append([]apitypes.Type{}, matchTerms...), apitypes.Type{Name: "deadline", Type: "uint256"})
	return v.hash(apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Attestation":  fields,
		},
		PrimaryType: "Attestation",
		Domain:      v.domain(),
		Message:     termsMessage(a),
	})
}

// HashDelegatedMatch creates the EIP-712 hash for a delegated match
func (v *EIP712Verifier) HashDelegatedMatch(d *DelegatedMatch) ([]byte, error) {
	fields := append(append([]apitypes.Type{}, matchTerms...),
		apitypes.Type{Name: "consensusCount", Type: "uint256"},
		apitypes.Type{Name: "deadline", Type: "uint256"},
	)
	msg := termsMessage(&d.Attestation)
	msg["consensusCount"] = (*math.HexOrDecimal256)(new(big.Int).SetUint64(d.ConsensusCount))

	return v.hash(apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":   domainType,
			"DelegatedMatch": fields,
		},
		PrimaryType: "DelegatedMatch",
		Domain:      v.domain(),
		Message:     msg,
	})
}

// HashCommitment creates the EIP-712 hash for a commitment
func (v *EIP712Verifier) HashCommitment(c *Commitment) ([]byte, error) {
	return v.hashSimple("Commitment", []apitypes.Type{{Name: "hash", Type: "bytes32"}, deadlineField},
		apitypes.TypedDataMessage{
			"hash":     c.Hash.Bytes(),
			"deadline": uint256(c.Deadline),
		})
}

// HashReveal creates the EIP-712 hash for a reveal
func (v *EIP712Verifier) HashReveal(r *Reveal) ([]byte, error) {
	return v.hashSimple("Reveal", []apitypes.Type{
		{Name: "intentionId", Type: "bytes32"},
		{Name: "amount", Type: "uint256"},
		{Name: "price", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
		deadlineField,
	}, apitypes.TypedDataMessage{
		"intentionId": r.IntentionID.Bytes(),
		"amount":      (*math.HexOrDecimal256)(new(big.Int).Set(bigOrZero(r.Amount))),
		"price":       (*math.HexOrDecimal256)(new(big.Int).Set(bigOrZero(r.Price))),
		"nonce":       r.Nonce.Bytes(),
		"deadline":    uint256(r.Deadline),
	})
}

// HashExecution creates the EIP-712 hash for an execution report
func (v *EIP712Verifier) HashExecution(e *Execution) ([]byte, error) {
	return v.hashSimple("Execution", []apitypes.Type{{Name: "matchId", Type: "bytes32"}, deadlineField},
		apitypes.TypedDataMessage{
			"matchId":  e.MatchID.Bytes(),
			"deadline": uint256(e.Deadline),
		})
}

// HashRegistration creates the EIP-712 hash for a roster registration
func (v *EIP712Verifier) HashRegistration(r *Registration) ([]byte, error) {
	return v.hashSimple("Registration", []apitypes.Type{{Name: "verifier", Type: "address"}, deadlineField},
		apitypes.TypedDataMessage{
			"verifier": r.Verifier.Hex(),
			"deadline": uint256(r.Deadline),
		})
}

// VerifyCommitment returns the address that signed the commitment
func (v *EIP712Verifier) VerifyCommitment(c *Commitment, signatureHex string) (common.Address, error) {
	return v.verify(c.Deadline, signatureHex, func() ([]byte, error) { return v.HashCommitment(c) })
}

// VerifyReveal returns the address that signed the reveal
func (v *EIP712Verifier) VerifyReveal(r *Reveal, signatureHex string) (common.Address, error) {
	return v.verify(r.Deadline, signatureHex, func() ([]byte, error) { return v.HashReveal(r) })
}

// VerifyExecution returns the address that signed the execution report
func (v *EIP712Verifier) VerifyExecution(e *Execution, signatureHex string) (common.Address, error) {
	return v.verify(e.Deadline, signatureHex, func() ([]byte, error) { return v.HashExecution(e) })
}

// VerifyRegistration returns the address that signed the registration
func (v *EIP712Verifier) VerifyRegistration(r *Registration, signatureHex string) (common.Address, error) {
	return v.verify(r.Deadline, signatureHex, func() ([]byte, error) { return v.HashRegistration(r) })
}

func (v *EIP712Verifier) verify(deadline uint64, signatureHex string, hash func() ([]byte, error)) (common.Address, error) {
	if err := v.checkDeadline(deadline); err != nil {
		return common.Address{}, err
	}
	msgHash, err := hash()
	if err != nil {
		return common.Address{}, fmt.Errorf("EIP-712 hash generation failed: %w", err)
	}
	return recoverHex(msgHash, signatureHex)
}

func (v *EIP712Verifier) hashSimple(primary string, fields []apitypes.Type, msg apitypes.TypedDataMessage) ([]byte, error) {
	return v.hash(apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain:      v.domain(),
		Message:     msg,
	})
}

func uint256(v uint64) *math.HexOrDecimal256 {
	return (*math.HexOrDecimal256)(new(big.Int).SetUint64(v))
}

func (v *EIP712Verifier) hash(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// keccak256("\x19\x01" ‖ domainSeparator ‖ hashStruct(message))
	rawData := append([]byte{0x19, 0x01}, domainSeparator...)
	rawData = append(rawData, typedDataHash...)
	return crypto.Keccak256(rawData), nil
}

// VerifyAttestation returns the address that signed the attestation
func (v *EIP712Verifier) VerifyAttestation(a *Attestation, signatureHex string) (common.Address, error) {
	if err := v.checkDeadline(a.Deadline); err != nil {
		return common.Address{}, err
	}
	msgHash, err := v.HashAttestation(a)
	if err != nil {
		return common.Address{}, fmt.Errorf("EIP-712 hash generation failed: %w", err)
	}
	return recoverHex(msgHash, signatureHex)
}

// VerifyDelegatedMatch returns the address that signed the delegated match
func (v *EIP712Verifier) VerifyDelegatedMatch(d *DelegatedMatch, signatureHex string) (common.Address, error) {
	if err := v.checkDeadline(d.Deadline); err != nil {
		return common.Address{}, err
	}
	msgHash, err := v.HashDelegatedMatch(d)
	if err != nil {
		return common.Address{}, fmt.Errorf("EIP-712 hash generation failed: %w", err)
	}
	return recoverHex(msgHash, signatureHex)
}

func (v *EIP712Verifier) checkDeadline(deadline uint64) error {
	if deadline == 0 {
		return nil
	}
	if now := uint64(v.now().Unix()); now > deadline {
		return fmt.Errorf("%w: deadline %d, now %d", ErrSignatureExpired, deadline, now)
	}
	return nil
}

func recoverHex(msgHash []byte, signatureHex string) (common.Address, error) {
	hexStr := strings.TrimPrefix(signatureHex, "0x")
	if len(hexStr) != 130 {
		return common.Address{}, fmt.Errorf("%w: expected 130 hex chars (65 bytes), got %d chars", ErrInvalidSignature, len(hexStr))
	}

	signer, err := RecoverAddress(msgHash, common.FromHex(hexStr))
	if err != nil {
		return common.Address{}, err
	}

	log.Debugf("EIP-712 verification: msgHash=0x%x, signer=%s", msgHash, signer.Hex())
	return signer, nil
}

// RecoverAddress recovers the signer's address from message hash and a
// [R || S || V] signature with V of 27 or 28
func RecoverAddress(msgHash, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d, expected 65", ErrInvalidSignature, len(signature))
	}

	v := signature[64]
	if v != 27 && v != 28 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d, expected 27 or 28", ErrInvalidSignature, v)
	}

	// Ecrecover expects V of 0 or 1
	sig := make([]byte, 65)
	copy(sig, signature)
	sig[64] -= 27

	pubKey, err := crypto.SigToPub(msgHash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// Sign produces a [R || S || V] signature with V of 27 or 28
func Sign(msgHash []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(msgHash, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
