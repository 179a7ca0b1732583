package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// SubjectKey holds the authenticated caller in both the request context and
// the gin context.
const SubjectKey contextKey = "auth_subject"

const ginSubjectKey = "auth_subject"

var ErrMissingSubject = errors.New("missing sub claim")

// JWTValidator checks RS256 bearer tokens against one public key.
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{publicKey: pub, issuer: issuer, audience: audience}, nil
}

// ValidateToken verifies signature, issuer, audience and expiry and returns
// the token subject.
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return v.publicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("validate token: %w", err)
	}
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}
	return claims.Subject, nil
}

// GinMiddleware rejects requests without a valid bearer token. Paths in skip
// pass through untouched.
func (v *JWTValidator) GinMiddleware(skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := skipped[c.FullPath()]; ok {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "missing Authorization header"})
			return
		}
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid Authorization header format"})
			return
		}

		subject, err := v.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid token"})
			return
		}

		c.Set(ginSubjectKey, subject)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), SubjectKey, subject))
		c.Next()
	}
}

func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(SubjectKey).(string)
	return s, ok
}

// Issuer signs RS256 tokens for the validator's issuer and audience.
type Issuer struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
	now      func() time.Time
}

func NewIssuer(key *rsa.PrivateKey, keyID, issuer, audience string) *Issuer {
	return &Issuer{key: key, keyID: keyID, issuer: issuer, audience: audience, now: time.Now}
}

func (i *Issuer) Issue(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", ErrMissingSubject
	}
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	token.Header["kid"] = i.keyID
	return token.SignedString(i.key)
}

func (i *Issuer) PublicKey() *rsa.PublicKey { return &i.key.PublicKey }

// ParsePublicKey accepts PKCS1 or PKIX encoded RSA public keys.
func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return pub, nil
}

// LoadOrGenerateKey parses a PKCS1 private key, or generates a 2048-bit key
// when privateKeyPEM is empty.
func LoadOrGenerateKey(privateKeyPEM string) (*rsa.PrivateKey, bool, error) {
	if privateKeyPEM == "" {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		return k, true, err
	}
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("parse private key: %w", err)
	}
	return k, false, nil
}

// PublicKeyPEM encodes pub as a PKIX PEM block, the form JWT_PUBLIC_KEY takes.
func PublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS renders pub as a single-key set.
func JWKS(pub *rsa.PublicKey, keyID string) JSONWebKeySet {
	return JSONWebKeySet{Keys: []JSONWebKey{{
		Kty: "RSA",
		Use: "sig",
		Kid: keyID,
		Alg: jwt.SigningMethodRS256.Alg(),
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
}
