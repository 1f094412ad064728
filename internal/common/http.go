package common

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// ClientIP returns the host part of RemoteAddr. Proxy headers are honoured
// only through chi's RealIP middleware, which rewrites RemoteAddr upstream.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Sha256Hex returns the SHA-256 digest of the input encoded as lowercase hex.
func Sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Page is a parsed limit/offset window. Page numbers start at 1.
type Page struct {
	Page   int `json:"page"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Pagination is the metadata block attached to list responses.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalItems int `json:"totalItems"`
}

// ParsePage reads limit plus either page or offset from the query string.
// An explicit offset wins over page.
func ParsePage(r *http.Request, defaultLimit, maxLimit int) Page {
	q := r.URL.Query()
	p := Page{Page: 1, Limit: defaultLimit}
	if l := atoi(q.Get("limit"), 0); l > 0 {
		p.Limit = l
	}
	if maxLimit > 0 && p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if n := atoi(q.Get("page"), 0); n > 0 {
		p.Page = n
	}
	p.Offset = (p.Page - 1) * p.Limit
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		if off := atoi(raw, -1); off >= 0 {
			p.Offset = off
			p.Page = off/p.Limit + 1
		}
	}
	return p
}

func atoi(value string, def int) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
