package codec

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/dto"
)

// Apple marks its notification signing leaf and WWDR intermediate
// certificates with these extensions.
var (
	oidAppleLeaf         = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 11, 1}
	oidAppleIntermediate = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 2, 1}
)

type AppStoreNotification struct {
	Type             string
	Subtype          string
	NotificationUUID string
	Environment      string
	BundleID         string
	SignedDate       time.Time
	Transaction      *AppStoreTransaction
	Renewal          *AppStoreRenewal
}

type AppStoreTransaction struct {
	OriginalTransactionID string
	TransactionID         string
	ProductID             string
	PurchaseDate          time.Time
	OriginalPurchaseDate  time.Time
	ExpiresDate           time.Time
	RevocationDate        time.Time
	OfferIdentifier       string
	OfferType             int
	OfferDiscountType     string
	AppAccountToken       string
	Price                 int64
	Currency              string
}

type AppStoreRenewal struct {
	AutoRenewStatus    bool
	AutoRenewProductID string
	ProductID          string
}

type AppStoreOptions struct {
	// RootPEM is the trusted Apple root CA, PEM encoded.
	RootPEM []byte
	// BundleID, when set, must match the notification's bundle id.
	BundleID string
	// SkipAppleExtensions disables the Apple marker extension checks on the
	// leaf and intermediate certificates.
	SkipAppleExtensions bool
	// Now is the time certificates are checked against. Defaults to time.Now.
	Now func() time.Time
}

// AppStoreDecoder verifies App Store Server Notifications V2. The outer
// payload and each nested signed blob are verified independently against
// the configured root; any failing layer rejects the whole notification.
type AppStoreDecoder struct {
	roots      *x509.CertPool
	bundleID   string
	extensions bool
	now        func() time.Time
	parser     *jwt.Parser
}

func NewAppStoreDecoder(opts AppStoreOptions) (*AppStoreDecoder, error) {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(opts.RootPEM) {
		return nil, errors.New("app store root certificate: no PEM certificates found")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &AppStoreDecoder{
		roots:      roots,
		bundleID:   opts.BundleID,
		extensions: !opts.SkipAppleExtensions,
		now:        now,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()})),
	}, nil
}

type notificationClaims struct {
	dto.AppStoreNotificationPayload
	jwt.RegisteredClaims
}

type transactionClaims struct {
	dto.AppStoreTransaction
	jwt.RegisteredClaims
}

type renewalClaims struct {
	dto.AppStoreRenewal
	jwt.RegisteredClaims
}

// Decode takes the raw webhook body ({"signedPayload": "..."}).
func (d *AppStoreDecoder) Decode(raw []byte) (*AppStoreNotification, error) {
	var body dto.AppStoreWebhook
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if body.SignedPayload == "" {
		return nil, fmt.Errorf("%w: missing signedPayload", ErrMalformedEnvelope)
	}
	return d.DecodeSignedPayload(body.SignedPayload)
}

func (d *AppStoreDecoder) DecodeSignedPayload(signedPayload string) (*AppStoreNotification, error) {
	var outer notificationClaims
	if err := d.verify(signedPayload, &outer); err != nil {
		return nil, fmt.Errorf("notification: %w", err)
	}

	payload := outer.AppStoreNotificationPayload
	if payload.NotificationType == "" {
		return nil, fmt.Errorf("%w: missing notificationType", ErrMalformedEnvelope)
	}
	if d.bundleID != "" && payload.Data.BundleID != d.bundleID {
		return nil, fmt.Errorf("%w: bundle id %q", ErrMalformedEnvelope, payload.Data.BundleID)
	}

	n := &AppStoreNotification{
		Type:             payload.NotificationType,
		Subtype:          payload.Subtype,
		NotificationUUID: payload.NotificationUUID,
		Environment:      payload.Data.Environment,
		BundleID:         payload.Data.BundleID,
		SignedDate:       fromMillis(payload.SignedDate),
	}

	if payload.Data.SignedTransactionInfo != "" {
		var txn transactionClaims
		if err := d.verify(payload.Data.SignedTransactionInfo, &txn); err != nil {
			return nil, fmt.Errorf("transaction info: %w", err)
		}
		if txn.OriginalTransactionID == "" || txn.TransactionID == "" {
			return nil, fmt.Errorf("%w: transaction info without ids", ErrMalformedEnvelope)
		}
		n.Transaction = &AppStoreTransaction{
			OriginalTransactionID: txn.OriginalTransactionID,
			TransactionID:         txn.TransactionID,
			ProductID:             txn.ProductID,
			PurchaseDate:          fromMillis(txn.PurchaseDate),
			OriginalPurchaseDate:  fromMillis(txn.OriginalPurchaseDate),
			ExpiresDate:           fromMillis(txn.ExpiresDate),
			RevocationDate:        fromMillis(txn.RevocationDate),
			OfferIdentifier:       txn.OfferIdentifier,
			OfferType:             txn.OfferType,
			OfferDiscountType:     txn.OfferDiscountType,
			AppAccountToken:       txn.AppAccountToken,
			Price:                 txn.Price,
			Currency:              txn.Currency,
		}
	}

	if payload.Data.SignedRenewalInfo != "" {
		var renewal renewalClaims
		if err := d.verify(payload.Data.SignedRenewalInfo, &renewal); err != nil {
			return nil, fmt.Errorf("renewal info: %w", err)
		}
		n.Renewal = &AppStoreRenewal{
			AutoRenewStatus:    renewal.AutoRenewStatus == 1,
			AutoRenewProductID: renewal.AutoRenewProductID,
			ProductID:          renewal.ProductID,
		}
	}

	return n, nil
}

func (d *AppStoreDecoder) verify(signed string, claims jwt.Claims) error {
	_, err := d.parser.ParseWithClaims(signed, claims, d.keyFunc)
	if err == nil {
		return nil
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return fmt.Errorf("%w: %v", ErrUnverifiableSignature, err)
}

// keyFunc validates the x5c chain in the JWS header and hands back the leaf
// key the signature must verify under.
func (d *AppStoreDecoder) keyFunc(token *jwt.Token) (any, error) {
	chain, ok := token.Header["x5c"].([]any)
	if !ok || len(chain) < 2 {
		return nil, errors.New("x5c header missing or too short")
	}

	certs := make([]*x509.Certificate, 0, len(chain))
	for i, entry := range chain {
		s, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("x5c[%d] is not a string", i)
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		certs = append(certs, cert)
	}

	leaf := certs[0]
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         d.roots,
		Intermediates: intermediates,
		CurrentTime:   d.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("certificate chain: %w", err)
	}

	if d.extensions {
		if !hasExtension(leaf, oidAppleLeaf) {
			return nil, errors.New("leaf certificate is not an App Store signing certificate")
		}
		if !hasExtension(certs[1], oidAppleIntermediate) {
			return nil, errors.New("intermediate certificate is not an Apple WWDR certificate")
		}
	}

	key, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("leaf certificate key is not ECDSA")
	}
	return key, nil
}

func hasExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return true
		}
	}
	return false
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
