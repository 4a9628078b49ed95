package node

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/yndnr/snapkeeper/internal/core/domain"
	"github.com/yndnr/snapkeeper/internal/infra/buildinfo"
	"github.com/yndnr/snapkeeper/internal/storage/snapshot"
	"github.com/yndnr/snapkeeper/internal/telemetry/logger"
)

// Status is the operator view of a node, served on /status.
type Status struct {
	NodeID      string           `json:"node_id" yaml:"node_id"`
	Participant bool             `json:"participant" yaml:"participant"`
	Head        uint64           `json:"head" yaml:"head"`
	Consistent  bool             `json:"consistent" yaml:"consistent"`
	Unclean     bool             `json:"unclean_start" yaml:"unclean_start"`
	UncleanErr  string           `json:"unclean_error,omitempty" yaml:"unclean_error,omitempty"`
	Unsafe      bool             `json:"unsafe_region" yaml:"unsafe_region"`
	Stores      []StoreStatus    `json:"stores" yaml:"stores"`
	Snapshots   []*snapshot.Info `json:"snapshots" yaml:"snapshots"`
	Build       buildinfo.Info   `json:"build" yaml:"build"`
}

// StoreStatus is the committed marker of one store.
type StoreStatus struct {
	Name   string `json:"name" yaml:"name"`
	Latest uint64 `json:"latest" yaml:"latest"`
}

// Status collects the current node status.
func (n *Node) Status() (*Status, error) {
	st := &Status{
		NodeID:      n.id,
		Participant: n.cfg.Chain.IsParticipant(n.id),
		Head:        n.Head(),
		Consistent:  n.coord.Consistent(),
		Unclean:     n.guard.WasUnclean(),
		Unsafe:      n.guard.IsActive(),
		Build:       buildinfo.Get(),
	}
	if err := n.UncleanErr(); err != nil {
		st.UncleanErr = err.Error()
	}
	for _, sm := range n.coord.Markers() {
		st.Stores = append(st.Stores, StoreStatus{Name: sm.Store, Latest: uint64(sm.Marker)})
	}

	infos, err := n.snapshots.List()
	if err != nil && !errors.Is(err, domain.ErrSnapshotNotFound) {
		return nil, err
	}
	st.Snapshots = infos
	return st, nil
}

// UncleanErr returns domain.ErrUncleanShutdown if the previous run of this
// data directory stopped inside an unsafe region.
func (n *Node) UncleanErr() error {
	return n.guard.UncleanErr()
}

func (n *Node) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, err := n.Status()
		if err != nil {
			logger.L(r.Context()).Error("status failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st)
	})
}
