// Package p2p runs the libp2p host that carries discovery messages between
// coordinators over gossipsub.
package p2p

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/7maylord/whisper/pkgs/gossipconfig"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	log "github.com/sirupsen/logrus"
)

// HostConfig holds the libp2p settings
type HostConfig struct {
	Port           int
	PrivateKeyHex  string
	PublicIP       string
	BootstrapPeers []string
	Rendezvous     string
	ConnLow        int
	ConnHigh       int
	// DiscoveryInterval is how often the rendezvous is re-queried; zero disables
	DiscoveryInterval time.Duration
}

type P2PHost struct {
	Host      host.Host
	Pubsub    *pubsub.PubSub
	DHT       *dht.IpfsDHT
	ParamHash string

	cfg    HostConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewP2PHost(ctx context.Context, cfg HostConfig) (*P2PHost, error) {
	privKey, err := loadOrCreatePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	if cfg.ConnLow <= 0 {
		cfg.ConnLow = 20
	}
	if cfg.ConnHigh <= cfg.ConnLow {
		cfg.ConnHigh = cfg.ConnLow * 5
	}

	cm, err := connmgr.NewConnManager(cfg.ConnLow, cfg.ConnHigh, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	port := strconv.Itoa(cfg.Port)
	var kademliaDHT *dht.IpfsDHT

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%s", port),
			fmt.Sprintf("/ip6/::/tcp/%s", port),
		),
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
		libp2p.DefaultSecurity,
		libp2p.ConnectionManager(cm),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			kademliaDHT, err = dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
			return kademliaDHT, err
		}),
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
	}

	if cfg.PublicIP != "" {
		publicAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%s", cfg.PublicIP, port))
		if err != nil {
			return nil, fmt.Errorf("invalid public IP %q: %w", cfg.PublicIP, err)
		}
		opts = append(opts, libp2p.AddrsFactory(func(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
			return append(addrs, publicAddr)
		}))
		log.Infof("Advertising public IP: %s", cfg.PublicIP)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}
	log.Infof("P2P Host started with peer ID: %s", h.ID())

	if err := kademliaDHT.Bootstrap(ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	psOpts, paramHash := gossipconfig.ConfigureDiscoveryMesh(h.ID(), DiscoveryTopic)
	ps, err := pubsub.NewGossipSub(ctx, h, psOpts...)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}
	log.Infof("Gossipsub parameter hash: %s", paramHash)

	hostCtx, cancel := context.WithCancel(ctx)
	p := &P2PHost{
		Host:      h,
		Pubsub:    ps,
		DHT:       kademliaDHT,
		ParamHash: paramHash,
		cfg:       cfg,
		ctx:       hostCtx,
		cancel:    cancel,
	}

	for _, addr := range cfg.BootstrapPeers {
		if err := p.ConnectToPeer(addr); err != nil {
			log.WithError(err).WithField("peer", addr).Warn("Failed to connect to bootstrap peer")
		}
	}

	if cfg.Rendezvous != "" {
		p.wg.Add(1)
		go p.discoverPeers()
	}
	return p, nil
}

// ConnectToPeer dials a /p2p multiaddr
func (p *P2PHost) ConnectToPeer(addr string) error {
	info, err := ParsePeerAddr(addr)
	if err != nil {
		return err
	}
	if err := p.Host.Connect(p.ctx, *info); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", info.ID, err)
	}
	p.Host.ConnManager().Protect(info.ID, "bootstrap")

	log.Infof("Connected to peer: %s", info.ID)
	return nil
}

// discoverPeers advertises the rendezvous and connects to other coordinators found there
func (p *P2PHost) discoverPeers() {
	defer p.wg.Done()

	rd := drouting.NewRoutingDiscovery(p.DHT)
	dutil.Advertise(p.ctx, rd, p.cfg.Rendezvous)
	log.Infof("Advertising rendezvous %q", p.cfg.Rendezvous)

	interval := p.cfg.DiscoveryInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.findPeers(rd)
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *P2PHost) findPeers(rd *drouting.RoutingDiscovery) {
	peers, err := rd.FindPeers(p.ctx, p.cfg.Rendezvous)
	if err != nil {
		log.WithError(err).Debug("Rendezvous lookup failed")
		return
	}

	connected := 0
	for info := range peers {
		if info.ID == p.Host.ID() || len(info.Addrs) == 0 {
			continue
		}
		if err := p.Host.Connect(p.ctx, info); err != nil {
			log.WithError(err).Debugf("Failed to connect to discovered peer %s", info.ID)
			continue
		}
		connected++
	}
	if connected > 0 {
		log.Infof("Connected to %d peers via rendezvous", connected)
	}
}

// Close stops discovery and shuts the host down
func (p *P2PHost) Close() error {
	p.cancel()
	p.wg.Wait()
	if err := p.DHT.Close(); err != nil {
		log.WithError(err).Warn("Failed to close DHT")
	}
	return p.Host.Close()
}

// ParsePeerAddr parses a multiaddr that includes a /p2p peer id
func ParsePeerAddr(addr string) (*peer.AddrInfo, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse peer info: %w", err)
	}
	return info, nil
}

func loadOrCreatePrivateKey(privKeyHex string) (crypto.PrivKey, error) {
	if privKeyHex != "" {
		privKeyBytes, err := hex.DecodeString(privKeyHex)
		if err != nil {
			return nil, fmt.Errorf("failed to decode private key hex: %w", err)
		}
		return crypto.UnmarshalEd25519PrivateKey(privKeyBytes)
	}
	privKey, _, err := crypto.GenerateEd25519Key(nil)
	return privKey, err
}
