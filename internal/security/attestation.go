// Package security signs routing results so consumers can check that a route was produced
// by this service and has not been altered.
package security

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// DefaultValidity is how long an attestation stays acceptable
const DefaultValidity = 2 * time.Minute

var (
	// ErrSignatureInvalid is returned when the signature does not match the payload or signer
	ErrSignatureInvalid = errors.New("attestation signature invalid")
	// ErrAttestationExpired is returned for attestations past their validUntil
	ErrAttestationExpired = errors.New("attestation expired")
)

// Attestation is a secp256k1 signature over keccak256(json(payload) || validUntil)
type Attestation struct {
	Hash       common.Hash    `json:"hash"`
	Signature  hexutil.Bytes  `json:"signature"`
	Signer     common.Address `json:"signer"`
	IssuedAt   int64          `json:"issuedAt"`
	ValidUntil int64          `json:"validUntil"`
}

// Attestor signs payloads with one key
type Attestor struct {
	key      *ecdsa.PrivateKey
	signer   common.Address
	validity time.Duration
	now      func() time.Time
}

// NewAttestor loads a hex encoded private key (with or without 0x)
func NewAttestor(hexKey string) (*Attestor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse attestation key: %w", err)
	}
	return newAttestor(key), nil
}

// GenerateAttestor creates an attestor with a fresh key
func GenerateAttestor() (*Attestor, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newAttestor(key), nil
}

func newAttestor(key *ecdsa.PrivateKey) *Attestor {
	a := &Attestor{
		key:      key,
		signer:   crypto.PubkeyToAddress(key.PublicKey),
		validity: DefaultValidity,
		now:      time.Now,
	}
	logrus.Infof("Route attestation enabled, signer %s", a.signer.Hex())
	return a
}

// WithValidity sets how long attestations remain valid and returns the attestor
func (a *Attestor) WithValidity(d time.Duration) *Attestor {
	if d > 0 {
		a.validity = d
	}
	return a
}

// Signer is the address consumers verify against
func (a *Attestor) Signer() common.Address { return a.signer }

// Attest signs the JSON encoding of payload
func (a *Attestor) Attest(payload interface{}) (Attestation, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Attestation{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	issued := a.now()
	validUntil := issued.Add(a.validity).Unix()
	hash := digest(body, validUntil)

	sig, err := crypto.Sign(hash.Bytes(), a.key)
	if err != nil {
		return Attestation{}, fmt.Errorf("failed to sign payload: %w", err)
	}
	return Attestation{
		Hash:       hash,
		Signature:  sig,
		Signer:     a.signer,
		IssuedAt:   issued.Unix(),
		ValidUntil: validUntil,
	}, nil
}

// Verify checks att against payload at time now. The recovered key must belong to
// att.Signer; callers decide separately whether they trust that signer.
func Verify(payload interface{}, att Attestation, now time.Time) error {
	if now.Unix() > att.ValidUntil {
		return fmt.Errorf("%w at %s", ErrAttestationExpired, time.Unix(att.ValidUntil, 0).UTC())
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	hash := digest(body, att.ValidUntil)
	if hash != att.Hash {
		return fmt.Errorf("%w: payload hash mismatch", ErrSignatureInvalid)
	}

	pub, err := crypto.SigToPub(hash.Bytes(), att.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if crypto.PubkeyToAddress(*pub) != att.Signer {
		return fmt.Errorf("%w: signed by %s", ErrSignatureInvalid, crypto.PubkeyToAddress(*pub).Hex())
	}
	return nil
}

func digest(body []byte, validUntil int64) common.Hash {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(validUntil))
	return crypto.Keccak256Hash(body, ts[:])
}
