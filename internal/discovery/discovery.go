// Package discovery advertises this node on the LAN via mDNS/DNS-SD and
// browses for peer nodes, producing a stream of freshly resolved peers for
// the replication layer to pull-sync against.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/brutella/dnssd"
)

// ServiceType is the DNS-SD service type memo-node advertises and browses.
const ServiceType = "_memo-node._tcp.local."

// Peer is one resolved peer observed on the network: another node's id,
// reachable address, and replication port.
type Peer struct {
	NodeID  string
	Address string
	Port    int
}

// Discovery advertises this node's presence and browses for peers
// concurrently. No deduplication is performed here; every resolved
// non-self peer is emitted, however many times it is seen — the Peer
// Manager upserts by node_id downstream.
type Discovery struct {
	nodeID string
	port   int
	logger *slog.Logger
	peers  chan Peer
}

// New builds a Discovery that advertises nodeID on port and emits resolved
// peers on the channel returned by Peers.
func New(nodeID string, port int, logger *slog.Logger) *Discovery {
	return &Discovery{
		nodeID: nodeID,
		port:   port,
		logger: logger.With("component", "peer-discovery"),
		peers:  make(chan Peer, 16),
	}
}

// Peers returns the channel of resolved, non-self peers.
func (d *Discovery) Peers() <-chan Peer {
	return d.peers
}

// Run advertises this node and browses for others until ctx is canceled.
// Advertise and browse run concurrently; Run returns when both have
// stopped.
func (d *Discovery) Run(ctx context.Context) error {
	responder, err := d.advertise()
	if err != nil {
		return fmt.Errorf("starting mdns responder: %w", err)
	}

	errCh := make(chan error, 2)

	go func() {
		errCh <- responder.Respond(ctx)
	}()

	go func() {
		errCh <- dnssd.LookupType(ctx, ServiceType, d.onAdded, d.onRemoved)
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && ctx.Err() == nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Discovery) advertise() (*dnssd.Responder, error) {
	cfg := dnssd.Config{
		Name: d.nodeID,
		Type: ServiceType,
		Port: d.port,
		Text: map[string]string{
			"node_id":   d.nodeID,
			"grpc_port": strconv.Itoa(d.port),
		},
	}

	svc, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating mdns service: %w", err)
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("creating mdns responder: %w", err)
	}

	if _, err := responder.Add(svc); err != nil {
		return nil, fmt.Errorf("adding mdns service: %w", err)
	}

	d.logger.Info("advertising on mdns", "service", ServiceType, "node_id", d.nodeID, "port", d.port)
	return responder, nil
}

// onAdded handles a newly resolved service instance. Unresolved, self, and
// removed events are dropped per spec; only resolved non-self peers with a
// usable address are forwarded.
func (d *Discovery) onAdded(e dnssd.BrowseEntry) {
	peer, ok := peerFromEntry(e, d.nodeID)
	if !ok {
		return
	}
	select {
	case d.peers <- peer:
	default:
		d.logger.Warn("discovered peer dropped, channel behind", "node_id", peer.NodeID)
	}
}

// onRemoved is intentionally a no-op: the spec defines no membership-leave
// protocol, so removal events are dropped and stale live-peer entries are
// left for the Peer Manager to simply fail to connect to.
func (d *Discovery) onRemoved(e dnssd.BrowseEntry) {}

func peerFromEntry(e dnssd.BrowseEntry, selfNodeID string) (Peer, bool) {
	nodeID := e.Text["node_id"]
	if nodeID == "" || nodeID == selfNodeID {
		return Peer{}, false
	}
	if len(e.IPs) == 0 {
		return Peer{}, false
	}

	port := e.Port
	if raw, ok := e.Text["grpc_port"]; ok {
		if p, err := strconv.Atoi(raw); err == nil {
			port = p
		}
	}
	if port == 0 {
		return Peer{}, false
	}

	return Peer{
		NodeID:  nodeID,
		Address: e.IPs[0].String(),
		Port:    port,
	}, true
}
