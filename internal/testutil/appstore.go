package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// AppleChain is a throwaway root -> intermediate -> leaf certificate chain
// shaped like the one Apple signs App Store notifications with.
type AppleChain struct {
	RootPEM []byte

	root, intermediate, leaf *x509.Certificate
	leafKey                  *ecdsa.PrivateKey
}

type ChainOptions struct {
	// OmitLeafMarker leaves the App Store marker extension off the leaf.
	OmitLeafMarker bool
}

func NewAppleChain(t *testing.T, opts ...ChainOptions) *AppleChain {
	t.Helper()
	var opt ChainOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	rootKey := newKey(t)
	root := issue(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "Test Apple Root CA - G3"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}, nil, &rootKey.PublicKey, rootKey)

	interKey := newKey(t)
	inter := issue(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "Test Apple WWDR CA - G6"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
		ExtraExtensions:       []pkix.Extension{marker(asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 2, 1})},
	}, root, &interKey.PublicKey, rootKey)

	leafTmpl := &x509.Certificate{
		Subject:  pkix.Name{CommonName: "Test Prod ECC Mac App Store and iTunes Store Receipt Signing"},
		KeyUsage: x509.KeyUsageDigitalSignature,
	}
	if !opt.OmitLeafMarker {
		leafTmpl.ExtraExtensions = []pkix.Extension{marker(asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 11, 1})}
	}
	leafKey := newKey(t)
	leaf := issue(t, leafTmpl, inter, &leafKey.PublicKey, interKey)

	return &AppleChain{
		RootPEM:      pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Raw}),
		root:         root,
		intermediate: inter,
		leaf:         leaf,
		leafKey:      leafKey,
	}
}

// Sign produces a compact ES256 JWS of payload with the chain in x5c.
func (c *AppleChain) Sign(t *testing.T, payload any) string {
	t.Helper()
	return c.SignWith(t, payload, c.leafKey)
}

// SignWith signs with an arbitrary key while still presenting the chain,
// so the signature does not match the leaf certificate.
func (c *AppleChain) SignWith(t *testing.T, payload any, key *ecdsa.PrivateKey) string {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	claims := jwt.MapClaims{}
	require.NoError(t, json.Unmarshal(raw, &claims))

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["x5c"] = []string{
		base64.StdEncoding.EncodeToString(c.leaf.Raw),
		base64.StdEncoding.EncodeToString(c.intermediate.Raw),
		base64.StdEncoding.EncodeToString(c.root.Raw),
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

// NewECKey returns a fresh P-256 key.
func NewECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	return newKey(t)
}

// PrivateKeyPEM encodes a key the way App Store Connect ships .p8 files.
func PrivateKeyPEM(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func marker(oid asn1.ObjectIdentifier) pkix.Extension {
	return pkix.Extension{Id: oid, Value: []byte{0x05, 0x00}}
}

func issue(t *testing.T, tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	sn, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	require.NoError(t, err)
	tmpl.SerialNumber = sn
	tmpl.NotBefore = time.Now().Add(-time.Hour)
	tmpl.NotAfter = time.Now().Add(24 * time.Hour)
	if parent == nil {
		parent = tmpl
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
