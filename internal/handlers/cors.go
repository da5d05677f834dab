package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/driftstore/driftstore/internal/store"
)

// Preflight answers OPTIONS requests. Preflight bypasses authentication,
// so the response leaks nothing beyond the bucket's CORS posture: when
// the bucket has a stored configuration the request is matched against
// its rules, otherwise a permissive default applies.
func (h *BucketHandler) Preflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	reqMethod := r.Header.Get("Access-Control-Request-Method")

	bucket := extractBucketName(r)
	var cfg *store.CORSConfiguration
	if bucket != "" && h.store.BucketExists(bucket) {
		if stored, err := h.store.BucketCORS(bucket); err == nil {
			cfg = stored
		}
	}

	if cfg == nil {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.WriteHeader(http.StatusOK)
		return
	}

	rule := matchCORSRule(cfg, origin, reqMethod)
	if rule == nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	allowOrigin := origin
	if len(rule.AllowedOrigins) == 1 && rule.AllowedOrigins[0] == "*" {
		allowOrigin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
	w.Header().Set("Access-Control-Allow-Methods", strings.Join(rule.AllowedMethods, ", "))
	if len(rule.AllowedHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(rule.AllowedHeaders, ", "))
	}
	if len(rule.ExposeHeaders) > 0 {
		w.Header().Set("Access-Control-Expose-Headers", strings.Join(rule.ExposeHeaders, ", "))
	}
	if rule.MaxAgeSeconds > 0 {
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(rule.MaxAgeSeconds))
	}
	w.WriteHeader(http.StatusOK)
}

// matchCORSRule returns the first rule allowing the origin and method,
// or nil. Origins match exactly, as "*", or by a single trailing-*
// prefix wildcard.
func matchCORSRule(cfg *store.CORSConfiguration, origin, method string) *store.CORSRule {
	for i := range cfg.CORSRules {
		rule := &cfg.CORSRules[i]
		if !originAllowed(rule.AllowedOrigins, origin) {
			continue
		}
		if method == "" || methodAllowed(rule.AllowedMethods, method) {
			return rule
		}
	}
	return nil
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "*"); ok && strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

func methodAllowed(allowed []string, method string) bool {
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
