package node

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/decred/dcrd/lru"

	"glc-node/pkg/logger"
	"glc-node/pkg/wire"
)

const (
	// idleTimeout disconnects a peer silent for this long.
	idleTimeout = 90 * time.Second

	// pingInterval paces keepalives, well inside the idle timeout.
	pingInterval = 30 * time.Second

	// sendQueueSize bounds the per-peer outbound queue; a full queue
	// marks the peer too slow and drops it.
	sendQueueSize = 128

	knownInvLimit = 2000
)

// PeerState is the handshake progression.
type PeerState int

const (
	StateConnected PeerState = iota
	StateVersionSent
	StateVersionReceived
	StateReady
	StateDisconnected
)

func (s PeerState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateVersionSent:
		return "version-sent"
	case StateVersionReceived:
		return "version-received"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Message is any wire payload with a command name.
type Message interface {
	wire.Encodable
	Command() string
}

type queuedMsg struct {
	command string
	payload []byte
}

// MessageHandler receives protocol messages from a ready peer. A returned
// error is a protocol violation: the peer is disconnected and banned.
type MessageHandler interface {
	OnPeerReady(p *Peer)
	OnPeerDisconnected(p *Peer)
	OnMessage(p *Peer, command string, payload []byte) error
}

// Peer runs one connection's receive and send tasks around the per-peer
// state machine.
type Peer struct {
	conn    net.Conn
	addr    string
	inbound bool
	magic   uint32

	handler MessageHandler
	log     *logger.CustomLogger

	stateMtx        sync.Mutex
	state           PeerState
	versionReceived bool
	verackReceived  bool

	version    *wire.MsgVersion
	localNonce uint64

	sendQueue chan queuedMsg
	quit      chan struct{}
	quitOnce  sync.Once

	knownInv lru.Cache

	startHeight int64
}

func NewPeer(conn net.Conn, inbound bool, magic uint32, handler MessageHandler, log *logger.CustomLogger) *Peer {
	return &Peer{
		conn:       conn,
		addr:       conn.RemoteAddr().String(),
		inbound:    inbound,
		magic:      magic,
		handler:    handler,
		log:        log,
		state:      StateConnected,
		localNonce: rand.Uint64(),
		sendQueue:  make(chan queuedMsg, sendQueueSize),
		quit:       make(chan struct{}),
		knownInv:   lru.NewCache(knownInvLimit),
	}
}

func (p *Peer) Addr() string  { return p.addr }
func (p *Peer) Inbound() bool { return p.inbound }

func (p *Peer) StartHeight() int64 {
	p.stateMtx.Lock()
	defer p.stateMtx.Unlock()
	return p.startHeight
}

func (p *Peer) State() PeerState {
	p.stateMtx.Lock()
	defer p.stateMtx.Unlock()
	return p.state
}

// Start launches the send and receive tasks and opens the handshake.
func (p *Peer) Start(localVersion *wire.MsgVersion) {
	go p.sendLoop()
	go p.recvLoop()

	localVersion.Nonce = p.localNonce
	p.QueueMessage(localVersion)
	p.setState(StateVersionSent)
}

// Disconnect tears the peer down; both tasks exit.
func (p *Peer) Disconnect() {
	p.quitOnce.Do(func() {
		p.setState(StateDisconnected)
		close(p.quit)
		p.conn.Close()
		p.handler.OnPeerDisconnected(p)
	})
}

func (p *Peer) setState(s PeerState) {
	p.stateMtx.Lock()
	defer p.stateMtx.Unlock()
	if p.state != StateDisconnected {
		p.state = s
	}
}

// QueueMessage serializes and enqueues a control message. Backpressure: a
// full queue disconnects the slowest peer instead of blocking the caller.
func (p *Peer) QueueMessage(msg Message) {
	payload, err := wire.Serialize(msg)
	if err != nil {
		p.log.Error(fmt.Sprintf("encoding %s for %s: %v", msg.Command(), p.addr, err))
		return
	}
	p.QueueRaw(msg.Command(), payload)
}

// QueueRaw enqueues an already-serialized payload.
func (p *Peer) QueueRaw(command string, payload []byte) {
	select {
	case p.sendQueue <- queuedMsg{command: command, payload: payload}:
	case <-p.quit:
	default:
		p.log.Warn(fmt.Sprintf("peer %s send queue full, disconnecting", p.addr))
		p.Disconnect()
	}
}

// KnowsInv tracks announced inventory so it is not echoed back.
func (p *Peer) KnowsInv(iv wire.InvVect) bool {
	return p.knownInv.Contains(iv)
}

func (p *Peer) MarkInv(iv wire.InvVect) {
	p.knownInv.Add(iv)
}

func (p *Peer) sendLoop() {
	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-pinger.C:
			if p.State() == StateReady {
				payload, _ := wire.Serialize(&wire.MsgPing{Nonce: rand.Uint64()})
				if err := wire.WriteFrame(p.conn, p.magic, wire.CmdPing, payload); err != nil {
					p.Disconnect()
					return
				}
			}
		case m := <-p.sendQueue:
			if err := wire.WriteFrame(p.conn, p.magic, m.command, m.payload); err != nil {
				p.Disconnect()
				return
			}
		}
	}
}

func (p *Peer) recvLoop() {
	for {
		select {
		case <-p.quit:
			return
		default:
		}

		if err := p.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			p.Disconnect()
			return
		}
		command, payload, err := wire.ReadFrame(p.conn, p.magic)
		if err != nil {
			p.Disconnect()
			return
		}

		if err := p.handleMessage(command, payload); err != nil {
			p.log.Warn(fmt.Sprintf("peer %s protocol violation on %s: %v", p.addr, command, err))
			p.Disconnect()
			return
		}
	}
}

// handleMessage runs the handshake transitions inline and forwards
// everything else once Ready.
func (p *Peer) handleMessage(command string, payload []byte) error {
	switch command {
	case wire.CmdVersion:
		var msg wire.MsgVersion
		if err := wire.Deserialize(payload, &msg); err != nil {
			return err
		}
		return p.onVersion(&msg)

	case wire.CmdVerAck:
		return p.onVerAck()

	case wire.CmdPing:
		var msg wire.MsgPing
		if err := wire.Deserialize(payload, &msg); err != nil {
			return err
		}
		p.QueueMessage(&wire.MsgPong{Nonce: msg.Nonce})
		return nil

	case wire.CmdPong:
		var msg wire.MsgPong
		return wire.Deserialize(payload, &msg)
	}

	if p.State() != StateReady {
		return fmt.Errorf("%s before handshake completed", command)
	}
	return p.handler.OnMessage(p, command, payload)
}

func (p *Peer) onVersion(msg *wire.MsgVersion) error {
	p.stateMtx.Lock()
	if p.versionReceived {
		p.stateMtx.Unlock()
		return fmt.Errorf("duplicate version")
	}
	if msg.Nonce == p.localNonce {
		p.stateMtx.Unlock()
		return fmt.Errorf("self connection")
	}
	p.versionReceived = true
	p.version = msg
	p.startHeight = msg.LastHeight
	p.stateMtx.Unlock()

	p.QueueMessage(&wire.MsgVerAck{})
	p.setState(StateVersionReceived)
	p.maybeReady()
	return nil
}

func (p *Peer) onVerAck() error {
	p.stateMtx.Lock()
	if p.verackReceived {
		p.stateMtx.Unlock()
		return fmt.Errorf("duplicate verack")
	}
	p.verackReceived = true
	p.stateMtx.Unlock()

	p.maybeReady()
	return nil
}

// maybeReady fires once both the remote version and the verack have
// arrived, in either order.
func (p *Peer) maybeReady() {
	p.stateMtx.Lock()
	ready := p.versionReceived && p.verackReceived && p.state != StateDisconnected && p.state != StateReady
	if ready {
		p.state = StateReady
	}
	p.stateMtx.Unlock()

	if ready {
		p.handler.OnPeerReady(p)
	}
}
