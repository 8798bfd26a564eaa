package security

import (
	"errors"
	"testing"
	"time"

	"PPRelay/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestGenerateVerify(t *testing.T) {
	opts := DefaultOptions(secret)
	tok, exp, err := Generate(opts, 42, "alice")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), exp, time.Minute)

	claims, err := Verify(opts, tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestVerifyRejects(t *testing.T) {
	opts := DefaultOptions(secret)
	good, _, err := Generate(opts, 1, "bob")
	require.NoError(t, err)

	expiredOpts := opts
	expiredOpts.TTL = -time.Hour
	// TTL<=0 falls back to the default, so build an expired token by hand.
	expired, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, Claims{
		UserID: 1,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString(secret)
	require.NoError(t, err)

	noUser, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, Claims{Username: "ghost"}).SignedString(secret)
	require.NoError(t, err)

	cases := map[string]struct {
		opts  Options
		token string
	}{
		"empty":        {opts, ""},
		"malformed":    {opts, "not.a.jwt"},
		"wrong secret": {DefaultOptions([]byte("other")), good},
		"expired":      {expiredOpts, expired},
		"no user id":   {opts, noUser},
		"bad alg":      {Options{Secret: secret, Alg: "RS256"}, good},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Verify(tc.opts, tc.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrAuth))
		})
	}
}

func TestVerifySubjectFallback(t *testing.T) {
	tok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.RegisteredClaims{
		Subject:   "77",
		ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)

	claims, err := Verify(DefaultOptions(secret), tok)
	require.NoError(t, err)
	assert.Equal(t, int64(77), claims.UserID)
}

func TestVerifyIssuer(t *testing.T) {
	opts := DefaultOptions(secret)
	opts.Issuer = "arouzy-api"
	tok, _, err := Generate(opts, 9, "x")
	require.NoError(t, err)

	_, err = Verify(opts, tok)
	require.NoError(t, err)

	other := opts
	other.Issuer = "someone-else"
	_, err = Verify(other, tok)
	assert.True(t, errors.Is(err, errs.ErrAuth))
}
