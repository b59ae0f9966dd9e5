package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// NetConfig carries runtime options for the libp2p transport.
type NetConfig struct {
	Identity    crypto.PrivKey // nil => fresh Ed25519 key
	Listen      []string       // multiaddrs to listen on; empty => libp2p default
	Bootnodes   []string       // multiaddrs to dial on start
	NAT         bool           // enable NAT port mapping if available
	MDNS        bool           // enable mDNS local discovery
	Rendezvous  string         // mDNS service name
	DialTimeout time.Duration  // per-send stream open timeout
}

const DefaultRendezvous = "mlsnet"

func (c NetConfig) withDefaults() NetConfig {
	if c.Rendezvous == "" {
		c.Rendezvous = DefaultRendezvous
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}
