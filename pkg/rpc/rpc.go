package rpc

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"glc-node/database"
	"glc-node/pkg/chain"
	"glc-node/pkg/core"
	"glc-node/pkg/lottery"
	"glc-node/pkg/mempool"
	"glc-node/pkg/wire"
)

// ErrorCode is the fixed RPC error enum.
type ErrorCode int

const (
	InvalidParams ErrorCode = iota + 1
	NotFound
	VerifyFailed
	OutOfMemory
	Internal
)

// Error is the {code, message} pair every verb returns on failure.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func rpcError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Server exposes the read/write verbs as plain functions; the transport
// layer that maps them onto JSON-RPC lives outside the core.
type Server struct {
	chain   *chain.ChainState
	mempool *mempool.TxPool
	engine  *lottery.Engine
	archive database.ArchiveStore

	// Relay announces a newly accepted transaction to peers.
	Relay func(iv wire.InvVect)
}

func NewServer(c *chain.ChainState, mp *mempool.TxPool, eng *lottery.Engine, archive database.ArchiveStore) *Server {
	return &Server{chain: c, mempool: mp, engine: eng, archive: archive}
}

func (s *Server) GetBestBlockHash() (string, *Error) {
	return s.chain.BestSnapshot().Hash.String(), nil
}

func (s *Server) GetBlockCount() (int64, *Error) {
	return s.chain.BestSnapshot().Height, nil
}

// BlockResult is the decoded view of a stored block.
type BlockResult struct {
	Hash          string   `json:"hash"`
	Height        int64    `json:"height"`
	Version       uint32   `json:"version"`
	PreviousBlock string   `json:"previousblockhash"`
	MerkleRoot    string   `json:"merkleroot"`
	Time          uint32   `json:"time"`
	TxIDs         []string `json:"tx"`
	Size          int      `json:"size"`
	Confirmations int64    `json:"confirmations"`
}

func (s *Server) GetBlock(hashStr string) (*BlockResult, *Error) {
	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return nil, rpcError(InvalidParams, "bad block hash %q", hashStr)
	}
	block, err := s.chain.BlockByHash(*hash)
	if err != nil {
		return nil, rpcError(NotFound, "block %s not found", hashStr)
	}
	height, _ := s.chain.BlockHeightByHash(*hash)
	best := s.chain.BestSnapshot().Height

	res := &BlockResult{
		Hash:          hashStr,
		Height:        height,
		Version:       block.Header.Version,
		PreviousBlock: block.Header.PrevBlock.String(),
		MerkleRoot:    block.Header.MerkleRoot.String(),
		Time:          block.Header.Timestamp,
		Size:          block.SerializeSize(),
		Confirmations: best - height + 1,
	}
	for _, tx := range block.Transactions {
		res.TxIDs = append(res.TxIDs, tx.TxHash().String())
	}
	return res, nil
}

func (s *Server) GetBlockHash(height int64) (string, *Error) {
	hash, ok := s.chain.BlockHashByHeight(height)
	if !ok {
		return "", rpcError(NotFound, "no block at height %d", height)
	}
	return hash.String(), nil
}

// GetRawTransaction serves from the mempool first, then the archival
// index when one is attached.
func (s *Server) GetRawTransaction(txidStr string) (string, *Error) {
	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return "", rpcError(InvalidParams, "bad txid %q", txidStr)
	}

	if tx, ok := s.mempool.Fetch(*txid); ok {
		raw, _ := wire.Serialize(tx)
		return hex.EncodeToString(raw), nil
	}

	if s.archive != nil {
		rec, err := s.archive.GetTransaction(txidStr)
		if err == nil {
			blockHash, err := chainhash.NewHashFromStr(rec.BlockHash)
			if err == nil {
				if block, err := s.chain.BlockByHash(*blockHash); err == nil {
					if rec.BlockIndex < uint32(len(block.Transactions)) {
						raw, _ := wire.Serialize(block.Transactions[rec.BlockIndex])
						return hex.EncodeToString(raw), nil
					}
				}
			}
		}
	}
	return "", rpcError(NotFound, "transaction %s not found", txidStr)
}

func (s *Server) SendRawTransaction(rawHex string) (string, *Error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return "", rpcError(InvalidParams, "transaction is not hex")
	}
	tx := &core.MsgTx{}
	if err := wire.Deserialize(raw, tx); err != nil {
		return "", rpcError(InvalidParams, "transaction does not decode: %v", err)
	}

	accepted, err := s.mempool.ProcessTransaction(tx)
	if err != nil {
		return "", rpcError(VerifyFailed, "%v", err)
	}
	if s.Relay != nil {
		for _, desc := range accepted {
			s.Relay(wire.InvVect{Type: wire.InvTypeTx, Hash: desc.Hash})
		}
	}
	return tx.TxHash().String(), nil
}

// MempoolInfo mirrors the pool's aggregate counters.
type MempoolInfo struct {
	Count        int         `json:"size"`
	Bytes        int64       `json:"bytes"`
	FreeEligible int         `json:"free_eligible"`
	FeePaying    int         `json:"fee_paying"`
	TotalFees    core.Amount `json:"total_fees"`
	Orphans      int         `json:"orphans"`
}

func (s *Server) GetMempoolInfo() (*MempoolInfo, *Error) {
	info := s.mempool.Stats()
	return &MempoolInfo{
		Count:        info.Count,
		Bytes:        info.Bytes,
		FreeEligible: info.FreeEligible,
		FeePaying:    info.FeePaying,
		TotalFees:    info.TotalFees,
		Orphans:      info.Orphans,
	}, nil
}

// ParticipationInfo reports the lottery view at the next height.
type ParticipationInfo struct {
	Participants      int         `json:"participants"`
	Eligible          int         `json:"eligible"`
	TotalStaked       core.Amount `json:"total_staked"`
	ExpectedBlockSecs int64       `json:"expected_block_secs"`
	Activated         bool        `json:"activated"`
}

func (s *Server) GetParticipationInfo() (*ParticipationInfo, *Error) {
	snap := s.chain.BestSnapshot()
	next := snap.Height + 1
	stats := s.engine.StatsAt(next)
	return &ParticipationInfo{
		Participants:      stats.Participants,
		Eligible:          stats.Eligible,
		TotalStaked:       stats.TotalStaked,
		ExpectedBlockSecs: int64(stats.ExpectedBlock.Seconds()),
		Activated:         next >= s.chain.Params().ActivationHeight,
	}, nil
}
