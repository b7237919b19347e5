// Package auth turns signed commands into custody consent. Identities are hex
// ed25519 public keys; every command is signed over a canonical message that
// includes a single-use nonce.
package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"

	"github.com/Checker-Finance/escrow-market/internal/custody"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrReplayedNonce    = errors.New("nonce already used")
)

const (
	messageDomain = "escrow-market/v1"
	maxNonceLen   = 128
)

var scheme sign.Scheme

func init() {
	scheme = schemes.ByName("Ed25519")
	if scheme == nil {
		panic("signature scheme Ed25519 not found in CIRCL")
	}
}

func canonical(op string, fields ...string) []byte {
	var b strings.Builder
	b.WriteString(messageDomain)
	b.WriteByte('\n')
	b.WriteString(op)
	for _, f := range fields {
		b.WriteByte('\n')
		b.WriteString(strconv.Quote(f))
	}
	return []byte(b.String())
}

// CreateMessage is the byte string a seller signs to create a listing.
func CreateMessage(c model.CreateListingCommand) []byte {
	return canonical("create_listing",
		string(c.Seller), string(c.AssetID), strconv.FormatUint(c.Price, 10),
		c.Name, c.Symbol, c.URI, c.Nonce)
}

// PurchaseMessage is the byte string a buyer signs to purchase a listing.
func PurchaseMessage(c model.PurchaseCommand) []byte {
	return canonical("purchase",
		string(c.Buyer), string(c.Listing), string(c.SellerDestination), c.Nonce)
}

// CancelMessage is the byte string a seller signs to cancel a listing.
func CancelMessage(c model.CancelListingCommand) []byte {
	return canonical("cancel", string(c.Seller), string(c.Listing), c.Nonce)
}

// NonceGuard records nonces so each can be used once per identity.
type NonceGuard interface {
	// Use claims nonce for id, failing with ErrReplayedNonce if it was seen before.
	Use(ctx context.Context, id model.Identity, nonce string) error
	// Release returns a claimed nonce when the command it guarded changed nothing.
	Release(ctx context.Context, id model.Identity, nonce string) error
}

// Verifier checks command signatures and claims their nonces.
type Verifier struct {
	nonces NonceGuard
}

func NewVerifier(nonces NonceGuard) *Verifier {
	return &Verifier{nonces: nonces}
}

// Consent verifies that id signed msg and burns the nonce. The nonce is only
// claimed once the signature checks out.
func (v *Verifier) Consent(ctx context.Context, id model.Identity, msg []byte, sigHex, nonce string) (custody.Consent, error) {
	if nonce == "" || len(nonce) > maxNonceLen {
		return custody.Consent{}, fmt.Errorf("%w: nonce must be 1-%d bytes", ErrInvalidSignature, maxNonceLen)
	}
	pk, err := ParseIdentity(id)
	if err != nil {
		return custody.Consent{}, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != scheme.SignatureSize() {
		return custody.Consent{}, fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	if !scheme.Verify(pk, msg, sig, nil) {
		return custody.Consent{}, ErrInvalidSignature
	}
	if v.nonces != nil {
		if err := v.nonces.Use(ctx, id, nonce); err != nil {
			return custody.Consent{}, err
		}
	}
	return custody.NewConsent(id), nil
}

// Release gives back a nonce claimed by Consent.
func (v *Verifier) Release(ctx context.Context, id model.Identity, nonce string) error {
	if v.nonces == nil {
		return nil
	}
	return v.nonces.Release(ctx, id, nonce)
}

// ParseIdentity decodes a hex identity into its public key. Only the
// lowercase spelling is accepted so one key maps to exactly one identity.
func ParseIdentity(id model.Identity) (sign.PublicKey, error) {
	raw, err := hex.DecodeString(string(id))
	if err != nil || len(raw) != scheme.PublicKeySize() || hex.EncodeToString(raw) != string(id) {
		return nil, fmt.Errorf("%w: malformed identity %q", ErrInvalidSignature, id)
	}
	pk, err := scheme.UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return pk, nil
}

// Signer holds a key pair and produces signatures in the wire format Verifier expects.
type Signer struct {
	pk sign.PublicKey
	sk sign.PrivateKey
	id model.Identity
}

// NewSigner derives a key pair from a 32-byte seed.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != scheme.SeedSize() {
		return nil, fmt.Errorf("seed must be %d bytes", scheme.SeedSize())
	}
	pk, sk := scheme.DeriveKey(seed)
	return newSigner(pk, sk)
}

// GenerateSigner creates a random key pair.
func GenerateSigner() (*Signer, error) {
	pk, sk, err := scheme.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("keygen failed: %w", err)
	}
	return newSigner(pk, sk)
}

func newSigner(pk sign.PublicKey, sk sign.PrivateKey) (*Signer, error) {
	raw, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("public key marshal failed: %w", err)
	}
	return &Signer{pk: pk, sk: sk, id: model.Identity(hex.EncodeToString(raw))}, nil
}

func (s *Signer) Identity() model.Identity { return s.id }

// Sign returns the hex signature of msg.
func (s *Signer) Sign(msg []byte) string {
	return hex.EncodeToString(scheme.Sign(s.sk, msg, nil))
}

// SignCreate fills in Seller and Signature.
func (s *Signer) SignCreate(c *model.CreateListingCommand) {
	c.Seller = s.id
	c.Signature = s.Sign(CreateMessage(*c))
}

// SignPurchase fills in Buyer and Signature.
func (s *Signer) SignPurchase(c *model.PurchaseCommand) {
	c.Buyer = s.id
	c.Signature = s.Sign(PurchaseMessage(*c))
}

// SignCancel fills in Seller and Signature.
func (s *Signer) SignCancel(c *model.CancelListingCommand) {
	c.Seller = s.id
	c.Signature = s.Sign(CancelMessage(*c))
}
