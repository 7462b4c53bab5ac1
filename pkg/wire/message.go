package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// CommandSize is the fixed width of the command field, null padded.
const CommandSize = 12

// Frame header layout: magic(4) || command(12) || length(4) || checksum(4).
const frameHeaderSize = 4 + CommandSize + 4 + 4

const (
	CmdVersion    = "version"
	CmdVerAck     = "verack"
	CmdAddr       = "addr"
	CmdInv        = "inv"
	CmdGetData    = "getdata"
	CmdGetBlocks  = "getblocks"
	CmdGetHeaders = "getheaders"
	CmdHeaders    = "headers"
	CmdTx         = "tx"
	CmdBlock      = "block"
	CmdPing       = "ping"
	CmdPong       = "pong"
)

var (
	ErrBadMagic    = errors.New("wire: bad network magic")
	ErrBadChecksum = errors.New("wire: payload checksum mismatch")
	ErrBadCommand  = errors.New("wire: malformed command field")
)

// checksum is the first four bytes of the double-SHA256 of the payload.
func checksum(payload []byte) [4]byte {
	var c [4]byte
	h := chainhash.DoubleHashB(payload)
	copy(c[:], h[:4])
	return c
}

// WriteFrame writes a single framed message to w.
func WriteFrame(w io.Writer, magic uint32, command string, payload []byte) error {
	if len(command) > CommandSize {
		return fmt.Errorf("%w: %q", ErrBadCommand, command)
	}
	if len(payload) > MaxMessagePayload {
		return fmt.Errorf("%w: %d bytes", ErrSizeTooLarge, len(payload))
	}

	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	copy(hdr[4:4+CommandSize], command)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(payload)))
	sum := checksum(payload)
	copy(hdr[20:24], sum[:])

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one framed message from r, verifying magic, length and
// checksum. It returns the command with padding stripped and the raw payload.
func ReadFrame(r io.Reader, magic uint32) (string, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", nil, err
	}

	if binary.LittleEndian.Uint32(hdr[0:4]) != magic {
		return "", nil, ErrBadMagic
	}

	cmdField := hdr[4 : 4+CommandSize]
	end := bytes.IndexByte(cmdField, 0)
	if end == -1 {
		end = CommandSize
	}
	command := string(cmdField[:end])
	for _, b := range cmdField[end:] {
		if b != 0 {
			return "", nil, ErrBadCommand
		}
	}

	length := binary.LittleEndian.Uint32(hdr[16:20])
	if length > MaxMessagePayload {
		return "", nil, fmt.Errorf("%w: %d bytes", ErrSizeTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", nil, err
	}

	var want [4]byte
	copy(want[:], hdr[20:24])
	if checksum(payload) != want {
		return "", nil, ErrBadChecksum
	}

	return command, payload, nil
}
