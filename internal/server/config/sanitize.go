package config

import (
	"net/url"
	"strings"

	"github.com/yndnr/snapkeeper/internal/core/domain"
)

// Sanitize returns a copy of the config with sensitive fields masked.
//
// Participant endpoints may carry basic-auth credentials; their
// passwords are masked so the config can be logged.
func Sanitize(cfg *NodeConfig) *NodeConfig {
	sanitized := *cfg

	if len(cfg.Chain.Participants) > 0 {
		ps := make([]domain.Participant, len(cfg.Chain.Participants))
		for i, p := range cfg.Chain.Participants {
			p.Endpoint = maskEndpoint(p.Endpoint)
			ps[i] = p
		}
		sanitized.Chain.Participants = ps
	}

	return &sanitized
}

func maskEndpoint(endpoint string) string {
	if !strings.Contains(endpoint, "@") {
		return endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.User == nil {
		return maskSecret(endpoint)
	}
	return u.Redacted()
}

// maskSecret masks a secret value for safe logging.
func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
