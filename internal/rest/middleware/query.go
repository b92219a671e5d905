package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// StripEmptyQueryParams trims query values and drops the ones left empty, so `?topic=&limit=5`
// reads the same as `?limit=5`.
func StripEmptyQueryParams() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.RawQuery == "" {
				next.ServeHTTP(w, r)
				return
			}
			q := r.URL.Query()
			filtered := make(url.Values, len(q))
			for k, vs := range q {
				for _, v := range vs {
					if v = strings.TrimSpace(v); v != "" {
						filtered[k] = append(filtered[k], v)
					}
				}
			}
			r.URL.RawQuery = filtered.Encode()
			next.ServeHTTP(w, r)
		})
	}
}
