package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"

	"glc-node/database"
	"glc-node/pkg/chain"
	"glc-node/pkg/core"
	"glc-node/pkg/logger"
	"glc-node/pkg/lottery"
	"glc-node/pkg/mempool"
	"glc-node/pkg/wire"
)

// ErrLocked means another instance owns the data directory.
var ErrLocked = errors.New("node: data directory is locked by another instance")

const lockFileName = ".lock"

// Config wires the orchestrator. Components are booted by the caller in
// dependency order (store, chain, mempool, lottery); the node owns their
// runtime lifecycle.
type Config struct {
	DataDir string

	Store     database.Store
	Chain     *chain.ChainState
	Mempool   *mempool.TxPool
	Engine    *lottery.Engine
	Generator *lottery.Generator
	Server    *Server
	Archive   database.ArchiveStore

	Logger *logger.CustomLogger
}

// Node runs the component lifecycle: lock file, wiring, startup, and the
// orderly shutdown drain.
type Node struct {
	cfg      Config
	log      *logger.CustomLogger
	lockPath string

	// archiveCh decouples archival writes from the chain event path so no
	// database I/O rides on a chain notification.
	archiveCh chan archiveItem
}

type archiveItem struct {
	block  *core.MsgBlock
	height int64
	remove bool
}

func New(cfg Config) *Node {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefaultLogger()
	}
	return &Node{cfg: cfg, log: cfg.Logger, archiveCh: make(chan archiveItem, 64)}
}

// acquireLock creates the exclusive lock file, failing with ErrLocked when
// a live instance already holds it.
func (n *Node) acquireLock() error {
	n.lockPath = filepath.Join(n.cfg.DataDir, lockFileName)
	f, err := os.OpenFile(n.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrLocked
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return err
}

func (n *Node) releaseLock() {
	if n.lockPath != "" {
		os.Remove(n.lockPath)
	}
}

// chainSubscriber bridges main-chain transitions into the mempool, the
// relay layer, and the optional archive.
type chainSubscriber struct {
	node *Node
}

func (cs *chainSubscriber) BlockConnected(block *core.MsgBlock, height int64) {
	cs.node.cfg.Mempool.OnBlockConnected(block, height)
	if srv := cs.node.cfg.Server; srv != nil {
		srv.RelayInv(wire.InvVect{Type: wire.InvTypeBlock, Hash: block.BlockHash()}, nil)
	}
	cs.node.enqueueArchive(archiveItem{block: block, height: height})
}

func (cs *chainSubscriber) BlockDisconnected(block *core.MsgBlock, height int64, returned []*core.MsgTx) {
	cs.node.cfg.Mempool.OnBlockDisconnected(block, height, returned)
	cs.node.enqueueArchive(archiveItem{block: block, remove: true})
}

func (n *Node) enqueueArchive(item archiveItem) {
	if n.cfg.Archive == nil {
		return
	}
	select {
	case n.archiveCh <- item:
	default:
		n.log.Warn("archive queue full, dropping update for " + item.block.BlockHash().String())
	}
}

func (n *Node) archiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-n.archiveCh:
			if item.remove {
				if err := n.cfg.Archive.DeleteBlock(item.block.BlockHash().String()); err != nil {
					n.log.Warn(fmt.Sprintf("archive delete %s: %v", item.block.BlockHash(), err))
				}
				continue
			}
			n.archiveBlock(item.block, item.height)
		}
	}
}

func (n *Node) archiveBlock(block *core.MsgBlock, height int64) {
	hash := block.BlockHash().String()
	doc := database.Block{
		ID:            hash,
		Height:        int32(height),
		PreviousBlock: block.Header.PrevBlock.String(),
		Version:       int32(block.Header.Version),
		Nonce:         block.Header.Nonce,
		Timestamp:     int64(block.Header.Timestamp),
		Bits:          block.Header.Bits,
		MerkleRoot:    block.Header.MerkleRoot.String(),
	}
	txs := make([]database.Transaction, 0, len(block.Transactions))
	for i, tx := range block.Transactions {
		txs = append(txs, database.Transaction{
			ID:         tx.TxHash().String(),
			LockTime:   tx.LockTime,
			Version:    int32(tx.Version),
			BlockHash:  hash,
			BlockIndex: uint32(i),
			RawSize:    tx.SerializeSize(),
		})
	}
	if err := n.cfg.Archive.PutBlock(doc, txs); err != nil {
		n.log.Warn(fmt.Sprintf("archive put %s: %v", hash, err))
	}
}

// Run boots the node and blocks until the context is cancelled, then
// drains: listeners close, peers disconnect, tasks finish, the store is
// flushed by Close.
func (n *Node) Run(ctx context.Context) error {
	if err := n.acquireLock(); err != nil {
		return err
	}
	defer n.releaseLock()

	n.cfg.Chain.AddListener(&chainSubscriber{node: n})

	if err := n.cfg.Server.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if n.cfg.Generator != nil {
		g.Go(func() error {
			n.cfg.Generator.Run(gctx)
			return nil
		})
	}
	if n.cfg.Archive != nil {
		g.Go(func() error {
			n.archiveLoop(gctx)
			return nil
		})
	}

	snap := n.cfg.Chain.BestSnapshot()
	n.log.Info(fmt.Sprintf("node started at height %d (%s)", snap.Height, snap.Hash))

	<-ctx.Done()
	n.log.Info("shutdown requested, draining")

	n.cfg.Server.Stop()
	if err := g.Wait(); err != nil {
		return err
	}

	if err := n.cfg.Store.Close(); err != nil {
		return fmt.Errorf("node: closing store: %w", err)
	}
	n.log.Info("shutdown complete")
	return nil
}
