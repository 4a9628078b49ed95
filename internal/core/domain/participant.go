package domain

import (
	"errors"
	"fmt"
)

// Participant is one member of the fixed, chain-configured node set.
// Its position in the configured list is its vote slot index.
type Participant struct {
	// ID is the stable node identifier from the chain configuration.
	ID string `koanf:"id" json:"id" yaml:"id"`

	// Endpoint is the JSON-RPC URL of the node (e.g. "http://10.0.0.5:1234").
	Endpoint string `koanf:"endpoint" json:"endpoint" yaml:"endpoint"`
}

// ValidateParticipants checks that the participant list is usable for
// agreement: non-empty, every entry has an id and an endpoint, ids are unique.
func ValidateParticipants(ps []Participant) error {
	if len(ps) == 0 {
		return errors.New("participants: list is empty")
	}
	seen := make(map[string]struct{}, len(ps))
	for i, p := range ps {
		if p.ID == "" {
			return fmt.Errorf("participants[%d]: id is required", i)
		}
		if p.Endpoint == "" {
			return fmt.Errorf("participants[%d] (%s): endpoint is required", i, p.ID)
		}
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("participants[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}
