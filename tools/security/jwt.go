package security

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"PPRelay/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 24h）
	Issuer string        // 为空则不校验 iss
}

// Claims 与主站签发的令牌保持一致：userId/username/email + 标准声明
type Claims struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	jwtlib.RegisteredClaims
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 24 * time.Hour}
}

// Generate 签发令牌；relay 本身不签发，供 CLI 与测试使用
func Generate(opts Options, userID int64, username string) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    opts.Issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
	}

	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify 校验签名与有效期；所有失败都归为 errs.ErrAuth
func Verify(opts Options, token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errs.ErrAuth.WrapMsg("no token provided")
	}
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, errs.ErrAuth.Wrap(err)
	}

	parserOpts := []jwtlib.ParserOption{jwtlib.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwtlib.WithIssuer(opts.Issuer))
	}

	claims := &Claims{}
	parsed, err := jwtlib.ParseWithClaims(token, claims, func(t *jwtlib.Token) (interface{}, error) {
		// 仅允许 HMAC 家族
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, errs.ErrAuth.Wrap(err)
	}
	if !parsed.Valid {
		return nil, errs.ErrAuth.WrapMsg("invalid token")
	}

	// 兼容只带 sub 的令牌
	if claims.UserID == 0 && claims.Subject != "" {
		if id, perr := strconv.ParseInt(claims.Subject, 10, 64); perr == nil {
			claims.UserID = id
		}
	}
	if claims.UserID <= 0 {
		return nil, errs.ErrAuth.WrapMsg("token carries no user id")
	}
	return claims, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
