package wire

import (
	"bytes"
	"net"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMagic uint32 = 0xd9b4bef9

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("payload bytes")
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, testMagic, CmdBlock, payload))

	command, got, err := ReadFrame(&buf, testMagic)
	require.NoError(t, err)
	assert.Equal(t, CmdBlock, command)
	assert.Equal(t, payload, got)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, testMagic, CmdVerAck, nil))

	command, payload, err := ReadFrame(&buf, testMagic)
	require.NoError(t, err)
	assert.Equal(t, CmdVerAck, command)
	assert.Empty(t, payload)
}

func TestFrameBadMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, testMagic, CmdPing, []byte{1}))

	_, _, err := ReadFrame(&buf, testMagic+1)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestFrameBadChecksum(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, testMagic, CmdPing, []byte{1, 2, 3}))

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff // corrupt payload
	_, _, err := ReadFrame(bytes.NewReader(raw), testMagic)
	assert.ErrorIs(t, err, ErrBadChecksum)
}

func TestFrameCommandPadding(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, testMagic, CmdGetHeaders, nil))

	raw := buf.Bytes()
	// Command field runs from byte 4 for 12 bytes, null padded.
	assert.Equal(t, byte(0), raw[4+len(CmdGetHeaders)])

	// Garbage after the terminator is a violation.
	raw[15] = 'x'
	_, _, err := ReadFrame(bytes.NewReader(raw), testMagic)
	assert.ErrorIs(t, err, ErrBadCommand)
}

func TestMessageRoundTrips(t *testing.T) {
	var h1, h2 chainhash.Hash
	h1[0], h2[0] = 1, 2

	msgs := []Message{
		&MsgVersion{Version: ProtocolVersion, Services: 1, Timestamp: 1700000000,
			Nonce: 42, UserAgent: "/test:1.0/", LastHeight: 99},
		&MsgVerAck{},
		&MsgAddr{Addrs: []NetAddress{NewNetAddress(net.ParseIP("203.0.113.7"), 8121, 1700000000)}},
		&MsgInv{InvList: []InvVect{{Type: InvTypeTx, Hash: h1}, {Type: InvTypeBlock, Hash: h2}}},
		&MsgGetData{InvList: []InvVect{{Type: InvTypeBlock, Hash: h1}}},
		&MsgGetBlocks{Locator: []chainhash.Hash{h1, h2}, HashStop: h2},
		&MsgGetHeaders{Locator: []chainhash.Hash{h1}},
		&MsgPing{Nonce: 7},
		&MsgPong{Nonce: 7},
	}

	for _, msg := range msgs {
		t.Run(msg.Command(), func(t *testing.T) {
			raw, err := Serialize(msg)
			require.NoError(t, err)

			decoded := newMessageFor(t, msg.Command())
			require.NoError(t, Deserialize(raw, decoded))

			reRaw, err := Serialize(decoded)
			require.NoError(t, err)
			assert.Equal(t, raw, reRaw)
		})
	}
}

// Message carries both directions for every control payload.
type Message interface {
	Encodable
	Decodable
	Command() string
}

func newMessageFor(t *testing.T, command string) Message {
	switch command {
	case CmdVersion:
		return &MsgVersion{}
	case CmdVerAck:
		return &MsgVerAck{}
	case CmdAddr:
		return &MsgAddr{}
	case CmdInv:
		return &MsgInv{}
	case CmdGetData:
		return &MsgGetData{}
	case CmdGetBlocks:
		return &MsgGetBlocks{}
	case CmdGetHeaders:
		return &MsgGetHeaders{}
	case CmdPing:
		return &MsgPing{}
	case CmdPong:
		return &MsgPong{}
	default:
		t.Fatalf("no decoder for %q", command)
		return nil
	}
}

func TestNetAddressRoutable(t *testing.T) {
	na1 := NewNetAddress(net.ParseIP("203.0.113.7"), 8121, 0)
	assert.True(t, na1.Routable())
	na2 := NewNetAddress(net.ParseIP("127.0.0.1"), 8121, 0)
	assert.False(t, na2.Routable())
	na3 := NewNetAddress(net.ParseIP("203.0.113.7"), 0, 0)
	assert.False(t, na3.Routable())
}
