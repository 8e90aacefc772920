package middleware

import (
	"net/http"
	"strings"
)

// NewCORSMiddleware は読み取り専用APIのCORSミドルウェアを返す。
// allowedOriginsは"*"またはカンマ区切りのオリジン一覧。一覧の場合は一致したOriginのみ反映し、
// Vary: Originを付与する。OPTIONSプリフライトには204で応答する。
func NewCORSMiddleware(allowedOrigins string) func(next http.Handler) http.Handler {
	wildcard := strings.TrimSpace(allowedOrigins) == "*"
	allowed := make(map[string]struct{})
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" && o != "*" {
			allowed[o] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if wildcard {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Add("Vary", "Origin")
				if origin := r.Header.Get("Origin"); origin != "" {
					if _, ok := allowed[origin]; ok {
						h.Set("Access-Control-Allow-Origin", origin)
					}
				}
			}
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
