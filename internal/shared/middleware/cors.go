package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

const corsAllowedMethods = "GET, POST, DELETE, OPTIONS"

// CORS applies cross-origin headers. With no allowed hosts every origin is
// accepted; otherwise unknown origins get 403. Webhook deliveries are
// server-to-server and bypass the check.
func CORS(allowedHosts []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			wildcard := len(allowedHosts) == 0 || strings.HasPrefix(r.URL.Path, "/webhooks/")

			// Allowlisted responses depend on the request origin, including the ones without it
			if !wildcard {
				w.Header().Add("Vary", "Origin")
			}

			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin == "":
			case isOriginAllowed(origin, allowedHosts):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			default:
				http.Error(w, "Origin not allowed", http.StatusForbidden)
				return
			}

			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				if m := r.Header.Get("Access-Control-Request-Method"); m != "" && !isMethodAllowed(m) {
					http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isMethodAllowed(method string) bool {
	for _, m := range strings.Split(corsAllowedMethods, ", ") {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func isOriginAllowed(origin string, allowedHosts []string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return IsHostAllowed(u.Host, allowedHosts)
}
