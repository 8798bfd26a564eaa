package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORSOptions 浏览器端允许的来源；为空时放行所有来源（不带凭证）
func CORSOptions(allowed []string) cors.Options {
	opts := cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: len(allowed) > 0,
	}
	if len(allowed) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return opts
}

// WithCORS 包在整个 HTTP handler 外层
func WithCORS(h http.Handler, allowed []string) http.Handler {
	return cors.New(CORSOptions(allowed)).Handler(h)
}
