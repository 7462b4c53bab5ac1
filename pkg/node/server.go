package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"glc-node/pkg/chain"
	"glc-node/pkg/core"
	"glc-node/pkg/logger"
	"glc-node/pkg/lottery"
	"glc-node/pkg/mempool"
	"glc-node/pkg/wire"
)

const (
	connectRetryInterval = 15 * time.Second
	maxBlocksPerInv      = 500
)

// ServerConfig wires the peer server to the rest of the node.
type ServerConfig struct {
	ListenAddr     string
	SeedPeers      []string
	MaxConnections int
	UserAgent      string

	Chain    *chain.ChainState
	Mempool  *mempool.TxPool
	Addrs    *AddrManager
	Bans     *BanManager
	Clusters *lottery.ClusterDetector
	Logger   *logger.CustomLogger
}

// Server owns the listener, the outbound dialer, and all peer state. It is
// the MessageHandler for every peer.
type Server struct {
	cfg   ServerConfig
	magic uint32

	mtx   sync.RWMutex
	peers map[string]*Peer

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefaultLogger()
	}
	return &Server{
		cfg:   cfg,
		magic: cfg.Chain.Params().Magic,
		peers: make(map[string]*Peer),
	}
}

// Start opens the listener and begins dialing out.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("node: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.cfg.Logger.Info("listening on " + s.cfg.ListenAddr)

	for _, seed := range s.cfg.SeedPeers {
		s.cfg.Addrs.AddString(seed)
	}

	s.wg.Add(2)
	go s.acceptLoop()
	go s.connectLoop()
	return nil
}

// Stop closes the listener, disconnects every peer, and waits for the
// tasks to drain.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.mtx.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mtx.Unlock()
	for _, p := range peers {
		p.Disconnect()
	}

	s.wg.Wait()
}

func (s *Server) PeerCount() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.peers)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.cfg.Logger.Warn(fmt.Sprintf("accept: %v", err))
				continue
			}
		}
		addr := conn.RemoteAddr().String()
		if s.cfg.Bans.IsBanned(addr) || s.PeerCount() >= s.cfg.MaxConnections {
			conn.Close()
			continue
		}
		if !s.allowSubnet(addr) {
			s.cfg.Logger.Debug(fmt.Sprintf("refusing %s: subnet at capacity", addr))
			conn.Close()
			continue
		}
		s.startPeer(conn, true)
	}
}

func (s *Server) connectLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(connectRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.dialMore()
		}
	}
}

func (s *Server) dialMore() {
	want := s.cfg.MaxConnections/2 - s.PeerCount()
	if want <= 0 {
		return
	}

	s.mtx.RLock()
	exclude := make(map[string]struct{}, len(s.peers))
	for addr := range s.peers {
		exclude[addr] = struct{}{}
	}
	s.mtx.RUnlock()

	for _, addr := range s.cfg.Addrs.Sample(want, exclude) {
		if s.cfg.Bans.IsBanned(addr) || !s.allowSubnet(addr) {
			continue
		}
		go func(addr string) {
			conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
			if err != nil {
				return
			}
			s.startPeer(conn, false)
		}(addr)
	}
}

// allowSubnet applies the anti-clustering cap to a prospective peer. A
// connecting peer's stake is unknown until it produces, so it is judged as
// a new entrant; the veteran bypass lives in the detector for callers that
// do know the stake age.
func (s *Server) allowSubnet(addr string) bool {
	if s.cfg.Clusters == nil {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return s.cfg.Clusters.AllowNewEntrant(ip, 0, s.cfg.Chain.Params().StakeMaturity)
}

func (s *Server) startPeer(conn net.Conn, inbound bool) {
	p := NewPeer(conn, inbound, s.magic, s, s.cfg.Logger)

	s.mtx.Lock()
	s.peers[p.Addr()] = p
	s.mtx.Unlock()

	if s.cfg.Clusters != nil {
		if host, _, err := net.SplitHostPort(p.Addr()); err == nil {
			if ip := net.ParseIP(host); ip != nil {
				s.cfg.Clusters.AddNode(p.Addr(), ip)
			}
		}
	}

	snap := s.cfg.Chain.BestSnapshot()
	p.Start(&wire.MsgVersion{
		Version:    wire.ProtocolVersion,
		Timestamp:  time.Now().Unix(),
		UserAgent:  s.cfg.UserAgent,
		LastHeight: snap.Height,
	})
}

// OnPeerReady begins synchronization with a completed handshake: refresh
// the address book, gossip what we know, and ask for the peer's view of
// the chain.
func (s *Server) OnPeerReady(p *Peer) {
	s.cfg.Logger.Info(fmt.Sprintf("peer %s ready (height %d)", p.Addr(), p.StartHeight()))
	s.cfg.Addrs.Good(p.Addr())

	if known := s.cfg.Addrs.Addresses(wire.MaxAddrPerMsg); len(known) > 0 {
		p.QueueMessage(&wire.MsgAddr{Addrs: known})
	}

	if p.StartHeight() > s.cfg.Chain.BestSnapshot().Height {
		p.QueueMessage(&wire.MsgGetBlocks{Locator: s.cfg.Chain.BlockLocator()})
	}
}

func (s *Server) OnPeerDisconnected(p *Peer) {
	s.mtx.Lock()
	delete(s.peers, p.Addr())
	s.mtx.Unlock()
	if s.cfg.Clusters != nil {
		s.cfg.Clusters.RemoveNode(p.Addr())
	}
	s.cfg.Logger.Info("peer disconnected: " + p.Addr())
}

// OnMessage dispatches a ready peer's traffic. An error bans the peer.
func (s *Server) OnMessage(p *Peer, command string, payload []byte) (err error) {
	defer func() {
		if err != nil {
			s.cfg.Bans.Ban(p.Addr())
		}
	}()
	switch command {
	case wire.CmdAddr:
		var msg wire.MsgAddr
		if err := wire.Deserialize(payload, &msg); err != nil {
			return err
		}
		for _, na := range msg.Addrs {
			s.cfg.Addrs.Add(na)
		}
		return nil

	case wire.CmdInv:
		var msg wire.MsgInv
		if err := wire.Deserialize(payload, &msg); err != nil {
			return err
		}
		return s.handleInv(p, &msg)

	case wire.CmdGetData:
		var msg wire.MsgGetData
		if err := wire.Deserialize(payload, &msg); err != nil {
			return err
		}
		return s.handleGetData(p, &msg)

	case wire.CmdGetBlocks:
		var msg wire.MsgGetBlocks
		if err := wire.Deserialize(payload, &msg); err != nil {
			return err
		}
		return s.handleGetBlocks(p, &msg)

	case wire.CmdGetHeaders:
		var msg wire.MsgGetHeaders
		if err := wire.Deserialize(payload, &msg); err != nil {
			return err
		}
		return s.handleGetHeaders(p, &msg)

	case wire.CmdHeaders:
		// Headers are advisory under block-first sync; validate shape only.
		return s.checkHeadersPayload(payload)

	case wire.CmdTx:
		return s.handleTx(p, payload)

	case wire.CmdBlock:
		return s.handleBlock(p, payload)

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (s *Server) handleInv(p *Peer, msg *wire.MsgInv) error {
	req := &wire.MsgGetData{}
	for _, iv := range msg.InvList {
		p.MarkInv(iv)
		switch iv.Type {
		case wire.InvTypeBlock:
			if !s.cfg.Chain.HaveBlock(iv.Hash) {
				req.InvList = append(req.InvList, iv)
			}
		case wire.InvTypeTx:
			if !s.cfg.Mempool.Have(iv.Hash) {
				req.InvList = append(req.InvList, iv)
			}
		default:
			return fmt.Errorf("bad inventory type %d", iv.Type)
		}
	}
	if len(req.InvList) > 0 {
		p.QueueMessage(req)
	}
	return nil
}

func (s *Server) handleGetData(p *Peer, msg *wire.MsgGetData) error {
	for _, iv := range msg.InvList {
		switch iv.Type {
		case wire.InvTypeBlock:
			block, err := s.cfg.Chain.BlockByHash(iv.Hash)
			if err != nil {
				continue
			}
			raw, err := wire.Serialize(block)
			if err != nil {
				continue
			}
			p.QueueRaw(wire.CmdBlock, raw)
		case wire.InvTypeTx:
			tx, ok := s.cfg.Mempool.Fetch(iv.Hash)
			if !ok {
				continue
			}
			raw, err := wire.Serialize(tx)
			if err != nil {
				continue
			}
			p.QueueRaw(wire.CmdTx, raw)
		default:
			return fmt.Errorf("bad inventory type %d", iv.Type)
		}
	}
	return nil
}

func (s *Server) handleGetBlocks(p *Peer, msg *wire.MsgGetBlocks) error {
	hashes := s.cfg.Chain.MainChainHashesAfter(msg.Locator, msg.HashStop, maxBlocksPerInv)
	if len(hashes) == 0 {
		return nil
	}
	inv := &wire.MsgInv{}
	for _, h := range hashes {
		inv.InvList = append(inv.InvList, wire.InvVect{Type: wire.InvTypeBlock, Hash: h})
	}
	p.QueueMessage(inv)
	return nil
}

func (s *Server) handleGetHeaders(p *Peer, msg *wire.MsgGetHeaders) error {
	headers := s.cfg.Chain.MainChainHeadersAfter(msg.Locator, msg.HashStop, wire.MaxHeadersPerMsg)
	w := wire.NewWriter()
	w.PutVarInt(uint64(len(headers)))
	for i := range headers {
		if err := headers[i].Encode(w); err != nil {
			return err
		}
	}
	p.QueueRaw(wire.CmdHeaders, w.Bytes())
	return nil
}

func (s *Server) checkHeadersPayload(payload []byte) error {
	r := wire.NewReader(payload)
	n, err := r.VarInt()
	if err != nil {
		return err
	}
	if n > wire.MaxHeadersPerMsg {
		return fmt.Errorf("too many headers: %d", n)
	}
	for i := uint64(0); i < n; i++ {
		var hdr core.BlockHeader
		if err := hdr.Decode(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleTx(p *Peer, payload []byte) error {
	tx := &core.MsgTx{}
	if err := wire.Deserialize(payload, tx); err != nil {
		return err
	}

	accepted, err := s.cfg.Mempool.ProcessTransaction(tx)
	if err != nil {
		// Pool rejections are routine; only malformed data above is a
		// protocol violation.
		s.cfg.Logger.Debug(fmt.Sprintf("tx %s from %s rejected: %v", tx.TxHash(), p.Addr(), err))
		return nil
	}
	for _, desc := range accepted {
		s.RelayInv(wire.InvVect{Type: wire.InvTypeTx, Hash: desc.Hash}, p)
	}
	return nil
}

func (s *Server) handleBlock(p *Peer, payload []byte) error {
	block := &core.MsgBlock{}
	if err := wire.Deserialize(payload, block); err != nil {
		return err
	}
	hash := block.BlockHash()

	_, err := s.cfg.Chain.ProcessBlock(block)
	switch {
	case err == nil:
		s.RelayInv(wire.InvVect{Type: wire.InvTypeBlock, Hash: hash}, p)
		return nil

	case chain.IsOrphanError(err):
		// Ask this peer for the ancestry of its orphan.
		p.QueueMessage(&wire.MsgGetBlocks{Locator: s.cfg.Chain.BlockLocator(), HashStop: hash})
		return nil

	case chain.IsRuleCode(err, chain.ErrDuplicateBlock):
		return nil

	case chain.IsRuleError(err):
		s.cfg.Logger.Warn(fmt.Sprintf("banning %s for invalid block %s: %v", p.Addr(), hash, err))
		s.cfg.Bans.Ban(p.Addr())
		p.Disconnect()
		return nil

	default:
		s.cfg.Logger.Error(fmt.Sprintf("processing block %s: %v", hash, err))
		return nil
	}
}

// RelayInv announces inventory to every ready peer that has not seen it,
// skipping the source.
func (s *Server) RelayInv(iv wire.InvVect, from *Peer) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	for _, p := range s.peers {
		if p == from || p.State() != StateReady || p.KnowsInv(iv) {
			continue
		}
		p.MarkInv(iv)
		p.QueueMessage(&wire.MsgInv{InvList: []wire.InvVect{iv}})
	}
}
