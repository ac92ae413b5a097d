package webhook

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var verifyNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type staticKeys map[string]*ecdsa.PublicKey

func (k staticKeys) Key(_ context.Context, kid string) (*ecdsa.PublicKey, error) {
	key, ok := k[kid]
	if !ok {
		return nil, errors.New("key fetch failed")
	}
	return key, nil
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func signES256(t *testing.T, priv *ecdsa.PrivateKey, kid string, body []byte, iat time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, Claims{
		RequestBodySHA256: digest(body),
		RegisteredClaims:  jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(iat)},
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func newTestVerifier(keys KeyProvider, hardened bool) *Verifier {
	v := NewVerifier(keys, VerifierConfig{Hardened: hardened, MaxAge: 5 * time.Minute})
	v.now = func() time.Time { return verifyNow }
	return v
}

func TestVerifier_Verify(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	keys := staticKeys{"k1": &priv.PublicKey}
	body := []byte(`{"webhook_type":"TRANSACTIONS","webhook_code":"SYNC_UPDATES_AVAILABLE","item_id":"item-1"}`)

	hs256 := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RequestBodySHA256: digest(body),
		RegisteredClaims:  jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(verifyNow)},
	})
	hs256.Header["kid"] = "k1"
	hsToken, err := hs256.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RequestBodySHA256: digest(body),
		RegisteredClaims:  jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(verifyNow)},
	})
	none.Header["kid"] = "k1"
	noneToken, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name           string
		body           []byte
		token          string
		rejectHardened bool
		rejectLenient  bool
	}{
		{
			name:  "valid",
			body:  body,
			token: signES256(t, priv, "k1", body, verifyNow.Add(-time.Minute)),
		},
		{
			name:           "tampered body",
			body:           []byte(`{"webhook_type":"ITEM","webhook_code":"USER_PERMISSION_REVOKED","item_id":"item-1"}`),
			token:          signES256(t, priv, "k1", body, verifyNow),
			rejectHardened: true,
			rejectLenient:  true,
		},
		{
			name:           "wrong algorithm",
			body:           body,
			token:          hsToken,
			rejectHardened: true,
			rejectLenient:  true,
		},
		{
			name:           "unsigned algorithm",
			body:           body,
			token:          noneToken,
			rejectHardened: true,
			rejectLenient:  true,
		},
		{
			name:           "signed by another key",
			body:           body,
			token:          signES256(t, other, "k1", body, verifyNow),
			rejectHardened: true,
			rejectLenient:  true,
		},
		{
			name:           "stale token",
			body:           body,
			token:          signES256(t, priv, "k1", body, verifyNow.Add(-10*time.Minute)),
			rejectHardened: true,
		},
		{
			name:           "unknown key",
			body:           body,
			token:          signES256(t, priv, "k2", body, verifyNow),
			rejectHardened: true,
		},
		{
			name:           "missing token",
			body:           body,
			token:          "",
			rejectHardened: true,
		},
		{
			name:           "garbage token",
			body:           body,
			token:          "not-a-jwt",
			rejectHardened: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestVerifier(keys, true).Verify(context.Background(), tt.body, tt.token)
			if tt.rejectHardened {
				assert.ErrorIs(t, err, ErrVerificationFailed, "hardened")
			} else {
				assert.NoError(t, err, "hardened")
			}

			err = newTestVerifier(keys, false).Verify(context.Background(), tt.body, tt.token)
			if tt.rejectLenient {
				assert.ErrorIs(t, err, ErrVerificationFailed, "permissive")
			} else {
				assert.NoError(t, err, "permissive")
			}
		})
	}
}
