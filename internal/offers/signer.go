// Package offers issues App Store promotional offer signatures.
package offers

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// separator is U+2063 INVISIBLE SEPARATOR, the delimiter App Store expects.
const separator = "\u2063"

var (
	ErrAlreadyRedeemed = errors.New("offer already redeemed")
	ErrInvalidRequest  = errors.New("invalid offer request")
	ErrNotConfigured   = errors.New("offer signing not configured")
	// ErrSelfVerify means the key produced a signature its own public
	// counterpart rejects; the signature is never handed out.
	ErrSelfVerify = errors.New("offer signature failed self verification")
)

// RedemptionChecker reports whether an account already consumed an offer.
type RedemptionChecker interface {
	HasRedeemedOffer(ctx context.Context, accountID uuid.UUID, offerID string) (bool, error)
}

type Request struct {
	AppBundleID         string
	ProductIdentifier   string
	OfferID             string
	ApplicationUsername string
}

type Signature struct {
	KeyID     string
	Nonce     string
	Timestamp int64
	Signature string
}

type Signer struct {
	keyID     string
	bundleID  string
	key       *ecdsa.PrivateKey
	publicKey *ecdsa.PublicKey
	redeemed  RedemptionChecker
	now       func() time.Time
	nonce     func() string
}

type Options struct {
	KeyID string
	// BundleID, when set, restricts requests to this app.
	BundleID string
	// PrivateKeyPEM is the .p8 subscription key from App Store Connect.
	PrivateKeyPEM []byte
	// PublicKeyPEM is optional; without it the key's own public half is used.
	PublicKeyPEM []byte
}

func NewSigner(opts Options, redeemed RedemptionChecker) (*Signer, error) {
	if opts.KeyID == "" || len(opts.PrivateKeyPEM) == 0 {
		return nil, ErrNotConfigured
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(opts.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse offer private key: %w", err)
	}

	pub := &key.PublicKey
	if len(opts.PublicKeyPEM) > 0 {
		pub, err = jwt.ParseECPublicKeyFromPEM(opts.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse offer public key: %w", err)
		}
	}

	return &Signer{
		keyID:     opts.KeyID,
		bundleID:  opts.BundleID,
		key:       key,
		publicKey: pub,
		redeemed:  redeemed,
		now:       time.Now,
		nonce:     func() string { return strings.ToLower(uuid.NewString()) },
	}, nil
}

// LoadSigner reads the key files named in configuration.
func LoadSigner(keyID, bundleID, privateKeyPath, publicKeyPath string, redeemed RedemptionChecker) (*Signer, error) {
	if keyID == "" || privateKeyPath == "" {
		return nil, ErrNotConfigured
	}
	opts := Options{KeyID: keyID, BundleID: bundleID}

	var err error
	if opts.PrivateKeyPEM, err = os.ReadFile(privateKeyPath); err != nil {
		return nil, fmt.Errorf("read offer private key: %w", err)
	}
	if publicKeyPath != "" {
		if opts.PublicKeyPEM, err = os.ReadFile(publicKeyPath); err != nil {
			return nil, fmt.Errorf("read offer public key: %w", err)
		}
	}
	return NewSigner(opts, redeemed)
}

// Sign refuses offers the account has already redeemed, then signs a fresh
// nonce and timestamp. It records nothing; redemption is recorded only when
// the storefront reports it.
func (s *Signer) Sign(ctx context.Context, accountID uuid.UUID, req Request) (*Signature, error) {
	if req.AppBundleID == "" || req.ProductIdentifier == "" || req.OfferID == "" || req.ApplicationUsername == "" {
		return nil, fmt.Errorf("%w: appBundleID, productIdentifier, offerID and applicationUsername are required", ErrInvalidRequest)
	}
	if s.bundleID != "" && req.AppBundleID != s.bundleID {
		return nil, fmt.Errorf("%w: unknown bundle %q", ErrInvalidRequest, req.AppBundleID)
	}

	redeemed, err := s.redeemed.HasRedeemedOffer(ctx, accountID, req.OfferID)
	if err != nil {
		return nil, err
	}
	if redeemed {
		return nil, ErrAlreadyRedeemed
	}

	nonce := s.nonce()
	timestamp := s.now().UnixMilli()
	digest := sha256.Sum256([]byte(Payload(req, s.keyID, nonce, timestamp)))

	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign offer: %w", err)
	}
	if !ecdsa.VerifyASN1(s.publicKey, digest[:], sig) {
		return nil, ErrSelfVerify
	}

	return &Signature{
		KeyID:     s.keyID,
		Nonce:     nonce,
		Timestamp: timestamp,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// Payload builds the exact string App Store recomputes when it checks an
// offer signature.
func Payload(req Request, keyID, nonce string, timestamp int64) string {
	return strings.Join([]string{
		req.AppBundleID,
		keyID,
		req.ProductIdentifier,
		req.OfferID,
		strings.ToLower(req.ApplicationUsername),
		strings.ToLower(nonce),
		strconv.FormatInt(timestamp, 10),
	}, separator)
}
