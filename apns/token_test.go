package apns_test

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/quartz"

	"github.com/stridesync/stridesync/apns"
)

func genSigningKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestTokenSource(t *testing.T) {
	t.Parallel()

	t.Run("SignsVerifiableToken", func(t *testing.T) {
		t.Parallel()
		key, pemKey := genSigningKey(t)
		clk := quartz.NewMock(t)
		src := apns.NewTokenSource(apns.TokenConfig{
			TeamID: "TEAM123456",
			KeyID:  "KEY1234567",
			Key:    pemKey,
		}, clk)

		signed, err := src.Token()
		require.NoError(t, err)

		tok, err := jwt.Parse(signed, func(*jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithoutClaimsValidation())
		require.NoError(t, err)
		require.True(t, tok.Valid)

		assert.Equal(t, "KEY1234567", tok.Header["kid"])
		claims := tok.Claims.(jwt.MapClaims)
		assert.Equal(t, "TEAM123456", claims["iss"])
		assert.EqualValues(t, clk.Now().Unix(), claims["iat"])
	})

	t.Run("CachesUntilRefreshAge", func(t *testing.T) {
		t.Parallel()
		_, pemKey := genSigningKey(t)
		clk := quartz.NewMock(t)
		src := apns.NewTokenSource(apns.TokenConfig{
			TeamID: "TEAM123456",
			KeyID:  "KEY1234567",
			Key:    pemKey,
		}, clk)

		first, err := src.Token()
		require.NoError(t, err)

		// Well within the refresh window: the cached token is reused.
		clk.Advance(49 * time.Minute)
		again, err := src.Token()
		require.NoError(t, err)
		require.Equal(t, first, again)

		// Past the refresh window: a fresh token is minted.
		clk.Advance(2 * time.Minute)
		fresh, err := src.Token()
		require.NoError(t, err)
		require.NotEqual(t, first, fresh)
	})

	t.Run("MissingCredentials", func(t *testing.T) {
		t.Parallel()
		_, pemKey := genSigningKey(t)
		for _, tc := range []struct {
			name string
			cfg  apns.TokenConfig
		}{
			{name: "NoTeamID", cfg: apns.TokenConfig{KeyID: "KEY1234567", Key: pemKey}},
			{name: "NoKeyID", cfg: apns.TokenConfig{TeamID: "TEAM123456", Key: pemKey}},
			{name: "NoKey", cfg: apns.TokenConfig{TeamID: "TEAM123456", KeyID: "KEY1234567"}},
			{name: "GarbageKey", cfg: apns.TokenConfig{TeamID: "TEAM123456", KeyID: "KEY1234567", Key: []byte("not a key")}},
		} {
			t.Run(tc.name, func(t *testing.T) {
				t.Parallel()
				src := apns.NewTokenSource(tc.cfg, quartz.NewMock(t))
				_, err := src.Token()
				require.ErrorIs(t, err, apns.ErrNotConfigured)
			})
		}
	})

	t.Run("RejectsNonECDSAKey", func(t *testing.T) {
		t.Parallel()
		// An Ed25519 key is valid PKCS#8 but the wrong algorithm for the
		// gateway protocol.
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		require.NoError(t, err)
		src := apns.NewTokenSource(apns.TokenConfig{
			TeamID: "TEAM123456",
			KeyID:  "KEY1234567",
			Key:    pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}),
		}, quartz.NewMock(t))
		_, err = src.Token()
		require.ErrorIs(t, err, apns.ErrNotConfigured)
	})
}
