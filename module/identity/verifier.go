package identity

import (
	"net/http"
	"strings"

	"PPRelay/tools/errs"
	"PPRelay/tools/security"
)

// Identity is what a verified credential resolves to.
type Identity struct {
	UserID   int64
	Username string
}

// Verifier turns an opaque bearer credential into an Identity. Every failure
// is an errs.ErrAuth.
type Verifier interface {
	Verify(token string) (Identity, error)
}

type JWTVerifier struct {
	opts security.Options
}

func NewJWTVerifier(opts security.Options) *JWTVerifier {
	return &JWTVerifier{opts: opts}
}

func (v *JWTVerifier) Verify(token string) (Identity, error) {
	claims, err := security.Verify(v.opts, token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// VerifierFunc adapts a plain function, mostly for tests.
type VerifierFunc func(token string) (Identity, error)

func (f VerifierFunc) Verify(token string) (Identity, error) { return f(token) }

// TokenFromRequest reads the handshake credential: query "token" first, then
// an "Authorization: Bearer" header. Empty means the client may still send an
// auth frame after the upgrade.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// BearerToken strips the scheme from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ErrMissing is returned when neither the handshake nor an auth frame carried a token.
var ErrMissing = errs.ErrAuth.WrapMsg("no token provided")
