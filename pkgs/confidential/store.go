// Package confidential keeps trade figures as opaque handles and evaluates
// comparisons and selections over them without handing plaintext to callers.
package confidential

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/7maylord/whisper/pkgs/apperr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
)

// DefaultBitWidth matches the widest encrypted integer the matching core uses
const DefaultBitWidth = 64

var (
	ErrRange         = apperr.New(apperr.KindValidation, "RangeError", "plaintext outside encrypted integer range")
	ErrPrecisionLoss = apperr.New(apperr.KindValidation, "PrecisionLoss", "amount not representable at encrypted precision")
	ErrUnknownHandle = apperr.New(apperr.KindNotFound, "UnknownHandle", "unknown ciphertext handle")
	ErrAccessDenied  = apperr.New(apperr.KindAuthorization, "AccessDenied", "principal has no access to handle")
	ErrTypeMismatch  = apperr.New(apperr.KindValidation, "TypeMismatch", "ciphertext has the wrong type for this operation")
)

// Handle is an opaque reference to a sealed value
type Handle common.Hash

func (h Handle) Hex() string    { return common.Hash(h).Hex() }
func (h Handle) String() string { return h.Hex() }
func (h Handle) IsZero() bool   { return h == Handle{} }

func (h Handle) MarshalText() ([]byte, error) {
	return common.Hash(h).MarshalText()
}

func (h *Handle) UnmarshalText(input []byte) error {
	return (*common.Hash)(h).UnmarshalText(input)
}

// Backend is a confidential-compute provider. Every operation that reads a
// handle requires the caller to hold access to it; results are readable only
// by the computing caller until granted to someone else.
type Backend interface {
	Encrypt(value *big.Int, owner common.Address) (Handle, error)
	GrantAccess(h Handle, principal common.Address) error
	HasAccess(h Handle, principal common.Address) bool
	LessOrEqual(caller common.Address, a, b Handle) (Handle, error)
	And(caller common.Address, a, b Handle) (Handle, error)
	Select(caller common.Address, cond, a, b Handle) (Handle, error)
	Decrypt(h Handle, principal common.Address) (*big.Int, error)
	DecryptBool(h Handle, principal common.Address) (bool, error)
	Release(caller common.Address, h Handle) error
}

type valueType uint8

const (
	typeUint valueType = iota + 1
	typeBool
)

func (t valueType) String() string {
	if t == typeBool {
		return "ebool"
	}
	return "euint"
}

type ciphertext struct {
	typ   valueType
	nonce []byte
	box   []byte
	acl   map[common.Address]struct{}
}

// SealedStore is a trusted-party backend: values are sealed with
// XChaCha20-Poly1305 under a process-local key and only opened inside
// the store while evaluating an operation.
type SealedStore struct {
	mu       sync.RWMutex
	aead     cipher.AEAD
	bitWidth uint
	max      *big.Int
	values   map[Handle]*ciphertext
}

// NewSealedStore creates a store for unsigned integers of bitWidth bits
func NewSealedStore(bitWidth uint) (*SealedStore, error) {
	if bitWidth == 0 || bitWidth > 256 {
		return nil, fmt.Errorf("invalid encrypted bit width: %d", bitWidth)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate sealing key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	max := new(big.Int).Lsh(big.NewInt(1), bitWidth)
	max.Sub(max, big.NewInt(1))

	return &SealedStore{
		aead:     aead,
		bitWidth: bitWidth,
		max:      max,
		values:   make(map[Handle]*ciphertext),
	}, nil
}

// BitWidth returns the width of encrypted integers
func (s *SealedStore) BitWidth() uint {
	return s.bitWidth
}

// Encrypt seals value and grants the owner access to it
func (s *SealedStore) Encrypt(value *big.Int, owner common.Address) (Handle, error) {
	if value == nil {
		return Handle{}, fmt.Errorf("%w: nil value", ErrRange)
	}
	if value.Sign() < 0 || value.Cmp(s.max) > 0 {
		return Handle{}, fmt.Errorf("%w: %s does not fit in %d bits", ErrRange, value.String(), s.bitWidth)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.seal(typeUint, value, owner)
}

// GrantAccess adds principal to the handle's access set
func (s *SealedStore) GrantAccess(h Handle, principal common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ct, ok := s.values[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h.Hex())
	}
	ct.acl[principal] = struct{}{}

	log.WithFields(log.Fields{
		"handle":    h.Hex(),
		"principal": principal.Hex(),
	}).Debug("Granted ciphertext access")
	return nil
}

// HasAccess reports whether principal may use the handle
func (s *SealedStore) HasAccess(h Handle, principal common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ct, ok := s.values[h]
	if !ok {
		return false
	}
	_, ok = ct.acl[principal]
	return ok
}

// LessOrEqual returns an encrypted boolean a <= b
func (s *SealedStore) LessOrEqual(caller common.Address, a, b Handle) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	x, err := s.open(a, typeUint, caller)
	if err != nil {
		return Handle{}, err
	}
	y, err := s.open(b, typeUint, caller)
	if err != nil {
		return Handle{}, err
	}

	return s.seal(typeBool, boolToInt(x.Cmp(y) <= 0), caller)
}

// And returns an encrypted boolean a && b
func (s *SealedStore) And(caller common.Address, a, b Handle) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	x, err := s.open(a, typeBool, caller)
	if err != nil {
		return Handle{}, err
	}
	y, err := s.open(b, typeBool, caller)
	if err != nil {
		return Handle{}, err
	}

	return s.seal(typeBool, boolToInt(x.Sign() != 0 && y.Sign() != 0), caller)
}

// Select returns a handle to a if cond holds, else to b
func (s *SealedStore) Select(caller common.Address, cond, a, b Handle) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.open(cond, typeBool, caller)
	if err != nil {
		return Handle{}, err
	}
	x, err := s.open(a, typeUint, caller)
	if err != nil {
		return Handle{}, err
	}
	y, err := s.open(b, typeUint, caller)
	if err != nil {
		return Handle{}, err
	}

	if c.Sign() != 0 {
		return s.seal(typeUint, x, caller)
	}
	return s.seal(typeUint, y, caller)
}

// Decrypt opens an encrypted integer for an authorized principal
func (s *SealedStore) Decrypt(h Handle, principal common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.open(h, typeUint, principal)
}

// DecryptBool opens an encrypted boolean for an authorized principal
func (s *SealedStore) DecryptBool(h Handle, principal common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, err := s.open(h, typeBool, principal)
	if err != nil {
		return false, err
	}
	return v.Sign() != 0, nil
}

// Release frees a handle. Only a principal with access to it may do so.
func (s *SealedStore) Release(caller common.Address, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ct, ok := s.values[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h.Hex())
	}
	if _, ok := ct.acl[caller]; !ok {
		return fmt.Errorf("%w: %s on %s", ErrAccessDenied, caller.Hex(), h.Hex())
	}
	delete(s.values, h)
	return nil
}

// Len returns the number of sealed values held
func (s *SealedStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// seal assumes the write lock is held
func (s *SealedStore) seal(typ valueType, value *big.Int, owner common.Address) (Handle, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Handle{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	h := Handle(crypto.Keccak256Hash([]byte{byte(typ)}, nonce))
	plaintext := common.LeftPadBytes(value.Bytes(), 32)

	s.values[h] = &ciphertext{
		typ:   typ,
		nonce: nonce,
		box:   s.aead.Seal(nil, nonce, plaintext, h[:]),
		acl:   map[common.Address]struct{}{owner: {}},
	}
	return h, nil
}

// open assumes at least the read lock is held
func (s *SealedStore) open(h Handle, typ valueType, principal common.Address) (*big.Int, error) {
	ct, ok := s.values[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h.Hex())
	}
	if _, ok := ct.acl[principal]; !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrAccessDenied, principal.Hex(), h.Hex())
	}
	if ct.typ != typ {
		return nil, fmt.Errorf("%w: want %s, have %s", ErrTypeMismatch, typ, ct.typ)
	}

	plaintext, err := s.aead.Open(nil, ct.nonce, ct.box, h[:])
	if err != nil {
		return nil, fmt.Errorf("failed to open ciphertext %s: %w", h.Hex(), err)
	}
	return new(big.Int).SetBytes(plaintext), nil
}

func boolToInt(b bool) *big.Int {
	if b {
		return big.NewInt(1)
	}
	return big.NewInt(0)
}
