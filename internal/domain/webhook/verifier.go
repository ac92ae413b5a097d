package webhook

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const expectedAlg = "ES256"

// Claims carried by the signed verification header
type Claims struct {
	RequestBodySHA256 string `json:"request_body_sha256"`
	jwt.RegisteredClaims
}

// mismatchError marks a deliberate mismatch: wrong algorithm, bad signature
// or a body digest that does not match. Never accepted, even in permissive mode.
type mismatchError struct {
	reason string
}

func (e *mismatchError) Error() string { return e.reason }

// VerifierConfig controls how strictly notifications are checked
type VerifierConfig struct {
	// Hardened rejects every failure. Permissive mode accepts unsigned
	// notifications and verification errors with a warning.
	Hardened bool
	MaxAge   time.Duration
}

// Verifier authenticates inbound notifications
type Verifier struct {
	keys     KeyProvider
	hardened bool
	maxAge   time.Duration
	now      func() time.Time
}

// NewVerifier creates a webhook verifier
func NewVerifier(keys KeyProvider, cfg VerifierConfig) *Verifier {
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Verifier{
		keys:     keys,
		hardened: cfg.Hardened,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// Verify returns nil when the notification may be trusted. Failures wrap ErrVerificationFailed.
func (v *Verifier) Verify(ctx context.Context, body []byte, token string) error {
	if token == "" {
		if v.hardened {
			return fmt.Errorf("%w: missing verification header", ErrVerificationFailed)
		}
		log.Printf("Webhook: WARNING - accepting unsigned notification (permissive mode)")
		return nil
	}

	err := v.verify(ctx, body, token)
	if err == nil {
		return nil
	}

	var mismatch *mismatchError
	if v.hardened || errors.As(err, &mismatch) {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	log.Printf("Webhook: WARNING - verification error ignored in permissive mode: %v", err)
	return nil
}

func (v *Verifier) verify(ctx context.Context, body []byte, token string) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{expectedAlg}),
		jwt.WithTimeFunc(v.now),
	)

	unverified, _, err := parser.ParseUnverified(token, &Claims{})
	if unverified != nil {
		if alg, ok := unverified.Header["alg"].(string); ok && alg != expectedAlg {
			return &mismatchError{reason: fmt.Sprintf("unexpected signing algorithm %q", alg)}
		}
	}
	if err != nil {
		return fmt.Errorf("malformed verification token: %w", err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return errors.New("verification token has no key id")
	}

	key, err := v.keys.Key(ctx, kid)
	if err != nil {
		return err
	}

	claims := &Claims{}
	_, err = parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return &mismatchError{reason: "invalid signature"}
		}
		return fmt.Errorf("failed to verify token: %w", err)
	}

	if claims.IssuedAt == nil {
		return errors.New("verification token has no iat claim")
	}
	if age := v.now().Sub(claims.IssuedAt.Time); age > v.maxAge {
		return fmt.Errorf("verification token is stale (issued %s ago)", age.Round(time.Second))
	}

	sum := sha256.Sum256(body)
	expected := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(claims.RequestBodySHA256)) != 1 {
		return &mismatchError{reason: "request body digest mismatch"}
	}
	return nil
}
