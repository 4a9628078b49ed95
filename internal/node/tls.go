package node

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/yndnr/snapkeeper/internal/infra/peertls"
	"github.com/yndnr/snapkeeper/internal/server/config"
)

// NewPeerClient returns the HTTP client used for peer queries and
// snapshot downloads. https:// participants are verified against the
// system roots plus rpc.tls.ca_file.
func NewPeerClient(cfg *config.NodeConfig, timeout time.Duration) (*http.Client, error) {
	roots, err := peertls.RootPool(cfg.RPC.TLS.CAFile)
	if err != nil {
		return nil, err
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = peertls.ClientConfig(roots)
	return &http.Client{Transport: tr, Timeout: timeout}, nil
}

// listener wraps ln in TLS when the node serves it.
func (n *Node) listener(ln net.Listener) net.Listener {
	if n.certs == nil {
		return ln
	}
	n.certs.WatchAsync()
	return tls.NewListener(ln, peertls.ServerConfig(n.certs))
}
