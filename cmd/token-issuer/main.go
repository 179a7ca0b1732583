// Command token-issuer signs RS256 bearer tokens for local use of the
// scheduler API and serves the matching public key.
package main

import (
	"crypto/rsa"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/austindbirch/harbor_post/internal/auth"
	"github.com/austindbirch/harbor_post/internal/logging"
)

const (
	defaultTTL = time.Hour
	maxTTL     = 24 * time.Hour
)

type issuerServer struct {
	issuer *auth.Issuer
	keyID  string
	pemPub string
}

func newIssuerServer(key *rsa.PrivateKey, keyID, iss, aud string) (*issuerServer, error) {
	pub, err := auth.PublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &issuerServer{issuer: auth.NewIssuer(key, keyID, iss, aud), keyID: keyID, pemPub: pub}, nil
}

func (s *issuerServer) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/.well-known/jwks.json", s.jwks)
	r.GET("/public-key.pem", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/x-pem-file", []byte(s.pemPub))
	})
	r.POST("/token", s.createToken)
	return r
}

func (s *issuerServer) jwks(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, auth.JWKS(s.issuer.PublicKey(), s.keyID))
}

type tokenRequest struct {
	Subject    string `json:"subject" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (s *issuerServer) createToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject is required"})
		return
	}
	ttl := defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > maxTTL {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ttl_seconds exceeds 86400"})
		return
	}

	token, err := s.issuer.Issue(req.Subject, ttl)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": int(ttl.Seconds()),
	})
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	log := logging.New("token-issuer")
	gin.SetMode(gin.ReleaseMode)

	key, generated, err := auth.LoadOrGenerateKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		log.Plain().WithError(err).Fatal("load signing key")
	}
	if generated {
		log.Plain().Warn("JWT_PRIVATE_KEY not set, generated an ephemeral key")
	}

	s, err := newIssuerServer(key,
		getenv("JWT_KEY_ID", "harborpost-key-1"),
		getenv("JWT_ISSUER", "harborpost"),
		getenv("JWT_AUDIENCE", "harborpost-api"),
	)
	if err != nil {
		log.Plain().WithError(err).Fatal("encode public key")
	}

	addr := ":" + getenv("PORT", "8082")
	log.Plain().WithField("addr", addr).Info("token issuer listening")
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		log.Plain().WithError(err).Fatal("token issuer stopped")
	}
}
