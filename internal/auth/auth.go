// Package auth validates bearer tokens and extracts the authenticated
// Principal for a connection (spec §4.1).
package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind distinguishes why verification failed, so callers can pick the
// right close code / handshake_ack message (spec §7).
type Kind int

const (
	KindMalformed Kind = iota
	KindExpired
	KindSignatureInvalid
	KindClaimsInvalid
)

// Error is a typed verification failure.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(kind Kind, msg string) *Error { return &Error{Kind: kind, msg: msg} }

// Principal is the immutable identity extracted from a validated token.
type Principal struct {
	UserID   string
	TenantID string
	Email    string
	Role     string
	Audience string
	Issuer   string
	Expiry   time.Time
}

// claims mirrors the required JWT claim set from spec §4.1.
type claims struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens against a configured audience/issuer and
// either an asymmetric public key (preferred) or a symmetric shared secret
// (accepted only when explicitly configured as a fallback).
type Verifier struct {
	audience  string
	issuer    string
	publicKey crypto.PublicKey
	hmacKey   []byte
}

// NewVerifier builds a Verifier. publicKeyPEM, if non-empty, is parsed as
// an ECDSA or RSA public key and preferred over hmacSecret.
func NewVerifier(audience, issuer string, publicKeyPEM []byte, hmacSecret string) (*Verifier, error) {
	v := &Verifier{audience: audience, issuer: issuer}

	if len(publicKeyPEM) > 0 {
		key, err := parsePublicKey(publicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse auth public key: %w", err)
		}
		v.publicKey = key
	}
	if hmacSecret != "" {
		v.hmacKey = []byte(hmacSecret)
	}
	if v.publicKey == nil && v.hmacKey == nil {
		return nil, fmt.Errorf("verifier requires either a public key or an hmac secret")
	}
	return v, nil
}

func parsePublicKey(pemBytes []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		switch key.(type) {
		case *ecdsa.PublicKey, *rsa.PublicKey:
			return key, nil
		default:
			return nil, fmt.Errorf("unsupported public key type %T", key)
		}
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		return cert.PublicKey, nil
	}
	return nil, fmt.Errorf("unrecognized public key PEM")
}

// ExtractToken pulls the bearer token from an Authorization header, falling
// back to a "token" query parameter, and sanitizes it: trims surrounding
// whitespace, strips embedded line breaks, and percent-decodes once.
func ExtractToken(authHeader, tokenQueryParam string) (string, bool) {
	raw := ""
	if authHeader != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(authHeader, prefix) {
			raw = authHeader[len(prefix):]
		} else {
			raw = authHeader
		}
	} else if tokenQueryParam != "" {
		raw = tokenQueryParam
	}
	if raw == "" {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	raw = strings.NewReplacer("\r", "", "\n", "").Replace(raw)
	if decoded, err := url.QueryUnescape(raw); err == nil {
		raw = decoded
	}
	return raw, raw != ""
}

// Verify validates the sanitized token and returns the Principal on
// success, or a typed *Error on failure.
func (v *Verifier) Verify(rawToken string) (Principal, error) {
	if rawToken == "" {
		return Principal{}, newError(KindMalformed, "empty token")
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(rawToken, &c, v.keyFunc, jwt.WithAudience(v.audience), jwt.WithIssuer(v.issuer))
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "token is expired"):
			return Principal{}, newError(KindExpired, "token expired")
		case isSignatureErr(err):
			return Principal{}, newError(KindSignatureInvalid, "invalid signature")
		default:
			return Principal{}, newError(KindMalformed, fmt.Sprintf("malformed token: %v", err))
		}
	}
	if !parsed.Valid {
		return Principal{}, newError(KindSignatureInvalid, "invalid token")
	}

	if c.UserID == "" || c.TenantID == "" || c.Email == "" || c.Role == "" {
		return Principal{}, newError(KindClaimsInvalid, "missing required claim")
	}
	if len(c.RegisteredClaims.Audience) == 0 || c.ExpiresAt == nil || c.IssuedAt == nil {
		return Principal{}, newError(KindClaimsInvalid, "missing required claim")
	}

	return Principal{
		UserID:   c.UserID,
		TenantID: c.TenantID,
		Email:    c.Email,
		Role:     c.Role,
		Audience: v.audience,
		Issuer:   c.Issuer,
		Expiry:   c.ExpiresAt.Time,
	}, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (interface{}, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodECDSA, *jwt.SigningMethodRSA:
		if v.publicKey == nil {
			return nil, fmt.Errorf("no asymmetric public key configured")
		}
		return v.publicKey, nil
	case *jwt.SigningMethodHMAC:
		if v.hmacKey == nil {
			return nil, fmt.Errorf("symmetric verification not enabled")
		}
		return v.hmacKey, nil
	default:
		return nil, fmt.Errorf("unsupported signing method %v", t.Method.Alg())
	}
}

func isSignatureErr(err error) bool {
	return strings.Contains(err.Error(), "signature is invalid") ||
		strings.Contains(err.Error(), "verification error") ||
		strings.Contains(err.Error(), "crypto/rsa") ||
		strings.Contains(err.Error(), "crypto/ecdsa")
}
