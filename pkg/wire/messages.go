package wire

import (
	"fmt"
	"net"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ProtocolVersion is the current peer protocol version.
const ProtocolVersion uint32 = 70002

const (
	// MaxAddrPerMsg bounds a single addr gossip message.
	MaxAddrPerMsg = 1000

	// MaxInvPerMsg bounds a single inventory announcement.
	MaxInvPerMsg = 50000

	// MaxLocatorHashes bounds a getblocks/getheaders locator.
	MaxLocatorHashes = 101

	// MaxHeadersPerMsg bounds a headers reply.
	MaxHeadersPerMsg = 2000
)

// InvType discriminates inventory vector entries.
type InvType uint32

const (
	InvTypeTx    InvType = 1
	InvTypeBlock InvType = 2
)

// InvVect announces a tx or block hash.
type InvVect struct {
	Type InvType
	Hash chainhash.Hash
}

func (iv *InvVect) Encode(w *Writer) error {
	w.PutUint32(uint32(iv.Type))
	w.PutHash(&iv.Hash)
	return nil
}

func (iv *InvVect) Decode(r *Reader) error {
	t, err := r.Uint32()
	if err != nil {
		return err
	}
	iv.Type = InvType(t)
	return r.ReadHash(&iv.Hash)
}

// NetAddress is a gossiped peer endpoint with a last-seen stamp.
type NetAddress struct {
	Timestamp uint32
	Services  uint64
	IP        [16]byte
	Port      uint16
}

func NewNetAddress(ip net.IP, port uint16, timestamp uint32) NetAddress {
	var na NetAddress
	na.Timestamp = timestamp
	na.Port = port
	copy(na.IP[:], ip.To16())
	return na
}

func (na *NetAddress) Addr() string {
	ip := net.IP(na.IP[:])
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", na.Port))
}

// Routable reports whether the address is worth gossiping onward.
func (na *NetAddress) Routable() bool {
	ip := net.IP(na.IP[:])
	return !(ip.IsUnspecified() || ip.IsLoopback() || ip.IsMulticast()) && na.Port != 0
}

func (na *NetAddress) Encode(w *Writer) error {
	w.PutUint32(na.Timestamp)
	w.PutUint64(na.Services)
	w.PutBytes(na.IP[:])
	w.PutUint16(na.Port)
	return nil
}

func (na *NetAddress) Decode(r *Reader) error {
	var err error
	if na.Timestamp, err = r.Uint32(); err != nil {
		return err
	}
	if na.Services, err = r.Uint64(); err != nil {
		return err
	}
	ip, err := r.ReadBytes(16)
	if err != nil {
		return err
	}
	copy(na.IP[:], ip)
	na.Port, err = r.Uint16()
	return err
}

// MsgVersion opens the handshake.
type MsgVersion struct {
	Version    uint32
	Services   uint64
	Timestamp  int64
	Nonce      uint64
	UserAgent  string
	LastHeight int64
}

func (m *MsgVersion) Command() string { return CmdVersion }

func (m *MsgVersion) Encode(w *Writer) error {
	w.PutUint32(m.Version)
	w.PutUint64(m.Services)
	w.PutUint64(uint64(m.Timestamp))
	w.PutUint64(m.Nonce)
	w.PutVarString(m.UserAgent)
	w.PutUint64(uint64(m.LastHeight))
	return nil
}

func (m *MsgVersion) Decode(r *Reader) error {
	var err error
	if m.Version, err = r.Uint32(); err != nil {
		return err
	}
	if m.Services, err = r.Uint64(); err != nil {
		return err
	}
	ts, err := r.Uint64()
	if err != nil {
		return err
	}
	m.Timestamp = int64(ts)
	if m.Nonce, err = r.Uint64(); err != nil {
		return err
	}
	if m.UserAgent, err = r.VarString(); err != nil {
		return err
	}
	h, err := r.Uint64()
	if err != nil {
		return err
	}
	m.LastHeight = int64(h)
	return nil
}

// MsgVerAck acknowledges a version message. Empty payload.
type MsgVerAck struct{}

func (m *MsgVerAck) Command() string        { return CmdVerAck }
func (m *MsgVerAck) Encode(w *Writer) error { return nil }
func (m *MsgVerAck) Decode(r *Reader) error { return nil }

// MsgAddr gossips known peer addresses.
type MsgAddr struct {
	Addrs []NetAddress
}

func (m *MsgAddr) Command() string { return CmdAddr }

func (m *MsgAddr) Encode(w *Writer) error {
	if len(m.Addrs) > MaxAddrPerMsg {
		return fmt.Errorf("wire: too many addresses: %d", len(m.Addrs))
	}
	w.PutVarInt(uint64(len(m.Addrs)))
	for i := range m.Addrs {
		if err := m.Addrs[i].Encode(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *MsgAddr) Decode(r *Reader) error {
	n, err := r.VarInt()
	if err != nil {
		return err
	}
	if n > MaxAddrPerMsg {
		return fmt.Errorf("wire: too many addresses: %d", n)
	}
	m.Addrs = make([]NetAddress, n)
	for i := range m.Addrs {
		if err := m.Addrs[i].Decode(r); err != nil {
			return err
		}
	}
	return nil
}

// MsgInv announces inventory; MsgGetData requests it. Same layout.
type MsgInv struct {
	InvList []InvVect
}

func (m *MsgInv) Command() string        { return CmdInv }
func (m *MsgInv) Encode(w *Writer) error { return encodeInvList(w, m.InvList) }
func (m *MsgInv) Decode(r *Reader) error {
	var err error
	m.InvList, err = decodeInvList(r)
	return err
}

type MsgGetData struct {
	InvList []InvVect
}

func (m *MsgGetData) Command() string        { return CmdGetData }
func (m *MsgGetData) Encode(w *Writer) error { return encodeInvList(w, m.InvList) }
func (m *MsgGetData) Decode(r *Reader) error {
	var err error
	m.InvList, err = decodeInvList(r)
	return err
}

func encodeInvList(w *Writer, list []InvVect) error {
	if len(list) > MaxInvPerMsg {
		return fmt.Errorf("wire: too many inventory entries: %d", len(list))
	}
	w.PutVarInt(uint64(len(list)))
	for i := range list {
		if err := list[i].Encode(w); err != nil {
			return err
		}
	}
	return nil
}

func decodeInvList(r *Reader) ([]InvVect, error) {
	n, err := r.VarInt()
	if err != nil {
		return nil, err
	}
	if n > MaxInvPerMsg {
		return nil, fmt.Errorf("wire: too many inventory entries: %d", n)
	}
	list := make([]InvVect, n)
	for i := range list {
		if err := list[i].Decode(r); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// MsgGetBlocks requests block inventory from a locator; MsgGetHeaders
// requests bare headers. Same layout.
type MsgGetBlocks struct {
	Locator  []chainhash.Hash
	HashStop chainhash.Hash
}

func (m *MsgGetBlocks) Command() string        { return CmdGetBlocks }
func (m *MsgGetBlocks) Encode(w *Writer) error { return encodeLocator(w, m.Locator, &m.HashStop) }
func (m *MsgGetBlocks) Decode(r *Reader) error {
	var err error
	m.Locator, err = decodeLocator(r, &m.HashStop)
	return err
}

type MsgGetHeaders struct {
	Locator  []chainhash.Hash
	HashStop chainhash.Hash
}

func (m *MsgGetHeaders) Command() string        { return CmdGetHeaders }
func (m *MsgGetHeaders) Encode(w *Writer) error { return encodeLocator(w, m.Locator, &m.HashStop) }
func (m *MsgGetHeaders) Decode(r *Reader) error {
	var err error
	m.Locator, err = decodeLocator(r, &m.HashStop)
	return err
}

func encodeLocator(w *Writer, locator []chainhash.Hash, stop *chainhash.Hash) error {
	if len(locator) > MaxLocatorHashes {
		return fmt.Errorf("wire: locator too long: %d", len(locator))
	}
	w.PutVarInt(uint64(len(locator)))
	for i := range locator {
		w.PutHash(&locator[i])
	}
	w.PutHash(stop)
	return nil
}

func decodeLocator(r *Reader, stop *chainhash.Hash) ([]chainhash.Hash, error) {
	n, err := r.VarInt()
	if err != nil {
		return nil, err
	}
	if n > MaxLocatorHashes {
		return nil, fmt.Errorf("wire: locator too long: %d", n)
	}
	locator := make([]chainhash.Hash, n)
	for i := range locator {
		if err := r.ReadHash(&locator[i]); err != nil {
			return nil, err
		}
	}
	if err := r.ReadHash(stop); err != nil {
		return nil, err
	}
	return locator, nil
}

// MsgPing and MsgPong carry an echo nonce for keepalive.
type MsgPing struct {
	Nonce uint64
}

func (m *MsgPing) Command() string        { return CmdPing }
func (m *MsgPing) Encode(w *Writer) error { w.PutUint64(m.Nonce); return nil }
func (m *MsgPing) Decode(r *Reader) error {
	var err error
	m.Nonce, err = r.Uint64()
	return err
}

type MsgPong struct {
	Nonce uint64
}

func (m *MsgPong) Command() string        { return CmdPong }
func (m *MsgPong) Encode(w *Writer) error { w.PutUint64(m.Nonce); return nil }
func (m *MsgPong) Decode(r *Reader) error {
	var err error
	m.Nonce, err = r.Uint64()
	return err
}
