package notify

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/noah-isme/payment-orchestrator/internal/common"
	"github.com/noah-isme/payment-orchestrator/internal/events"
)

// Endpoint is a downstream subscriber of payment events.
type Endpoint struct {
	ID     string
	URL    string
	Secret string
	// Topics limits delivery to the listed topics. Empty means every topic.
	Topics []string
}

// Subscribed reports whether the endpoint wants events for topic.
func (e Endpoint) Subscribed(topic string) bool {
	if len(e.Topics) == 0 {
		return true
	}
	for _, t := range e.Topics {
		if t == topic || t == "*" {
			return true
		}
	}
	return false
}

// ParseEndpoints reads NOTIFY_ENDPOINTS entries of the form
// "url|secret[|topic;topic]" separated by commas.
func ParseEndpoints(raw string) ([]Endpoint, error) {
	var out []Endpoint
	seen := map[string]bool{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) < 2 {
			return nil, fmt.Errorf("notify endpoint %q: expected url|secret", entry)
		}
		ep := Endpoint{URL: strings.TrimSpace(parts[0]), Secret: strings.TrimSpace(parts[1])}
		if err := validateURL(ep.URL); err != nil {
			return nil, err
		}
		if ep.Secret == "" {
			return nil, fmt.Errorf("notify endpoint %s: secret is required", ep.URL)
		}
		if len(parts) > 2 {
			for _, topic := range strings.Split(parts[2], ";") {
				topic = strings.TrimSpace(topic)
				if topic == "" {
					continue
				}
				if !knownTopic(topic) {
					return nil, fmt.Errorf("notify endpoint %s: unknown topic %q", ep.URL, topic)
				}
				ep.Topics = append(ep.Topics, topic)
			}
		}
		ep.ID = common.Sha256Hex(ep.URL)[:16]
		if seen[ep.ID] {
			return nil, fmt.Errorf("notify endpoint %s configured twice", ep.URL)
		}
		seen[ep.ID] = true
		out = append(out, ep)
	}
	return out, nil
}

func knownTopic(topic string) bool {
	if topic == "*" {
		return true
	}
	for _, t := range events.DefaultTopics() {
		if t == topic {
			return true
		}
	}
	return false
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	return nil
}
