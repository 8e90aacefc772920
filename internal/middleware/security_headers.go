package middleware

import "net/http"

// apiSecurityHeaders はJSONのみを返すAPI向けのレスポンスヘッダー。
// ブラウザにレスポンスを文書として解釈させない。
var apiSecurityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cross-Origin-Resource-Policy", "cross-origin"},
}

// NewSecurityHeadersMiddleware はapiSecurityHeadersを全レスポンスに付与するミドルウェアを返す。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, kv := range apiSecurityHeaders {
				w.Header().Set(kv[0], kv[1])
			}
			next.ServeHTTP(w, r)
		})
	}
}
