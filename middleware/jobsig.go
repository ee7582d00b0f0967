package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const (
	// SignatureHeader carries the dispatcher's signed JWT
	SignatureHeader = "Upstash-Signature"
	signatureIssuer = "Upstash"

	// MaxJobBodyBytes caps the job payload read before verification
	MaxJobBodyBytes = 4 << 10
)

var ErrInvalidSignature = errors.New("invalid job signature")

type jobClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// Verifier checks job signatures against the current and next signing keys
type Verifier struct {
	keys [][]byte
	now  func() time.Time
}

// NewVerifier creates a verifier. Either key may be empty but not both.
func NewVerifier(currentKey, nextKey string) (*Verifier, error) {
	v := &Verifier{now: time.Now}
	for _, k := range []string{currentKey, nextKey} {
		if k != "" {
			v.keys = append(v.keys, []byte(k))
		}
	}
	if len(v.keys) == 0 {
		return nil, errors.New("at least one signing key is required")
	}
	return v, nil
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify checks that token was issued for subject and covers body.
// An empty subject skips the subject check.
func (v *Verifier) Verify(token string, body []byte, subject string) error {
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidSignature)
	}

	var lastErr error
	for _, key := range v.keys {
		err := v.verifyWithKey(token, body, subject, key)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
}

func (v *Verifier) verifyWithKey(token string, body []byte, subject string, key []byte) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(signatureIssuer),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(time.Second),
	}
	if subject != "" {
		opts = append(opts, jwt.WithSubject(subject))
	}

	claims := &jobClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, opts...)
	if err != nil {
		return err
	}
	if claims.ExpiresAt == nil {
		return errors.New("token has no expiry")
	}
	if strings.TrimRight(claims.Body, "=") != bodyHash(body) {
		return errors.New("body hash mismatch")
	}
	return nil
}

// SignJob issues a job signature the way the dispatcher does. Used by the
// enqueue command and tests.
func SignJob(key, subject string, body []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jobClaims{
		Body: bodyHash(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signatureIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

// JobSignature rejects requests whose signature does not match the raw body
// and the callback URL. The body is restored for the handler.
func JobSignature(v *Verifier, callbackURL string, logger *logrus.Logger) gin.HandlerFunc {
	log := logger.WithField("component", "job_signature")
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxJobBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
				return
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if err := v.Verify(c.GetHeader(SignatureHeader), body, callbackURL); err != nil {
			log.WithError(err).WithField("remote_addr", c.ClientIP()).Warn("Rejected job with bad signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}
