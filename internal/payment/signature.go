package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Scheme selects how a provider lays out its signature header.
type Scheme int

const (
	// SchemeHex: the header carries hex(HMAC-SHA256(secret, body)).
	SchemeHex Scheme = iota
	// SchemeTimestamped: the header is "t=<unix>,<key>=<hex>" and the MAC covers "<t>.<body>".
	SchemeTimestamped
)

// Verifier authenticates inbound webhooks. It fails closed.
type Verifier struct {
	Header       string
	Secret       string
	Scheme       Scheme
	SignatureKey string
	Tolerance    time.Duration
	Now          func() time.Time
}

// Verify checks the signature header against the raw request body.
func (v Verifier) Verify(headers http.Header, body []byte) error {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	if strings.TrimSpace(v.Header) == "" {
		return fmt.Errorf("%w: signature header not configured", ErrInvalidSignature)
	}
	provided := strings.TrimSpace(headers.Get(v.Header))
	if provided == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, v.Header)
	}
	switch v.Scheme {
	case SchemeTimestamped:
		return v.verifyTimestamped(secret, provided, body)
	default:
		expected := SignHex(secret, body)
		if !hmac.Equal([]byte(expected), []byte(strings.ToLower(provided))) {
			return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
		}
		return nil
	}
}

func (v Verifier) verifyTimestamped(secret, header string, body []byte) error {
	key := v.SignatureKey
	if key == "" {
		key = "v1"
	}
	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case key:
			candidates = append(candidates, strings.ToLower(val))
		}
	}
	if ts == "" || len(candidates) == 0 {
		return fmt.Errorf("%w: malformed %s header", ErrInvalidSignature, v.Header)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
	}
	if v.Tolerance > 0 {
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		if d := now().Sub(time.Unix(unix, 0)); d > v.Tolerance || d < -v.Tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}
	expected := SignTimestamped(secret, ts, body)
	for _, c := range candidates {
		if hmac.Equal([]byte(expected), []byte(c)) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
}

// SignHex returns hex(HMAC-SHA256(secret, body)).
func SignHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignTimestamped returns hex(HMAC-SHA256(secret, ts + "." + body)).
func SignTimestamped(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
