package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"gopkg.in/urfave/cli.v1"

	"glc-node/config"
	"glc-node/database"
	path "glc-node/internal"
	"glc-node/internal/network"
	"glc-node/pkg/chain"
	"glc-node/pkg/logger"
	"glc-node/pkg/lottery"
	"glc-node/pkg/mempool"
	"glc-node/pkg/node"
	"glc-node/pkg/rpc"
	"glc-node/pkg/script"
	"glc-node/pkg/wire"
)

func main() {
	app := cli.NewApp()
	app.Name = "glc-node"
	app.Usage = "participation-consensus node"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "config file path", Value: path.DefaultConfigPath},
		cli.StringFlag{Name: "datadir", Usage: "data directory override"},
		cli.StringFlag{Name: "listen", Usage: "p2p listen address override"},
		cli.StringFlag{Name: "rpc", Usage: "rpc bind override"},
		cli.StringSliceFlag{Name: "seed", Usage: "seed peer (host:port), repeatable"},
		cli.BoolFlag{Name: "generate", Usage: "enable local block production"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		if errors.Is(err, node.ErrLocked) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {

	// load config
	cfg, err := config.LoadConfig(ctx.String("config"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return err
	}
	applyOverrides(cfg, ctx)

	log := logger.NewLoggerWithOptions(cfg.Logger.Level, &logger.Options{
		LogBackTraceEnabled: cfg.Logger.LogBackTraceEnabled,
	})

	log.Info("Logger Setup Complete")

	dataDir := expandHome(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Error(err.Error())
		return err
	}

	store, err := database.NewLevelDBStore(filepath.Join(dataDir, cfg.DB.Path))
	if err != nil {
		log.Error(err.Error())
		return err
	}

	var archive database.ArchiveStore
	if cfg.DB.ArchiveURI != "" {
		client, err := database.NewMongoDBConnection(cfg.DB.ArchiveURI)
		if err != nil {
			log.Error(err.Error())
			return err
		}
		defer func() {
			client.Disconnect(context.TODO())
		}()
		archive = database.NewMongoArchive(client, cfg.DB.ArchiveDatabase)
		log.Info("Archive Index Setup Complete")
	}

	params := chainParams(cfg)

	registry, err := lottery.NewRegistry(store)
	if err != nil {
		log.Error(err.Error())
		return err
	}
	engine := lottery.NewEngine(lottery.Config{
		Params:   params,
		Registry: registry,
		Logger:   log,
	})

	chainState, err := chain.New(chain.Config{
		Params:   params,
		Store:    store,
		Verifier: engine,
		Logger:   log,
	})
	if err != nil {
		log.Error(err.Error())
		return err
	}
	log.Info("Chain State Setup Complete")

	pool := mempool.New(mempool.Config{
		FetchUtxo:        chainState.FetchUtxo,
		BestHeight:       func() int64 { return chainState.BestSnapshot().Height },
		MaxSizeBytes:     cfg.Mempool.MaxSizeBytes,
		MinRelayFeePerKB: cfg.Mempool.MinRelayFeePerKB,
		OrphanTTL:        time.Duration(cfg.Mempool.OrphanTTLSecs) * time.Second,
		MaxOrphans:       cfg.Mempool.MaxOrphans,
		CoinbaseMaturity: cfg.Chain.CoinbaseMaturity,
		Logger:           log,
	})

	addrs := node.NewAddrManager(store)
	bans := node.NewBanManager()
	clusters := lottery.NewClusterDetector()
	server := node.NewServer(node.ServerConfig{
		ListenAddr:     cfg.Net.ListenAddr,
		SeedPeers:      network.LookUpSeeds(cfg.Net.SeedPeers),
		MaxConnections: cfg.Net.MaxConnections,
		UserAgent:      "/glc-node:1.0.0/",
		Chain:          chainState,
		Mempool:        pool,
		Addrs:          addrs,
		Bans:           bans,
		Clusters:       clusters,
		Logger:         log,
	})

	var generator *lottery.Generator
	if cfg.Generate {
		key, err := loadProducerKey(dataDir)
		if err != nil {
			log.Error(err.Error())
			return err
		}
		generator = lottery.NewGenerator(lottery.GeneratorConfig{
			Chain:     chainState,
			Engine:    engine,
			Mempool:   pool,
			Key:       key,
			PeerCount: server.PeerCount,
			Logger:    log,
		})
		log.Info("Block Producer Enabled")
	}

	// The JSON-RPC transport binds these verbs outside the core; the
	// relay hook keeps sendrawtransaction propagating.
	rpcServer := rpc.NewServer(chainState, pool, engine, archive)
	rpcServer.Relay = func(iv wire.InvVect) { server.RelayInv(iv, nil) }
	log.Info("RPC Surface Ready on " + cfg.RPC.Bind)

	n := node.New(node.Config{
		DataDir:   dataDir,
		Store:     store,
		Chain:     chainState,
		Mempool:   pool,
		Engine:    engine,
		Generator: generator,
		Server:    server,
		Archive:   archive,
		Logger:    log,
	})

	runCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return n.Run(runCtx)
}

func applyOverrides(cfg *config.Config, ctx *cli.Context) {
	if v := ctx.String("datadir"); v != "" {
		cfg.DataDir = v
	}
	if v := ctx.String("listen"); v != "" {
		cfg.Net.ListenAddr = v
	}
	if v := ctx.String("rpc"); v != "" {
		cfg.RPC.Bind = v
	}
	if v := ctx.StringSlice("seed"); len(v) > 0 {
		cfg.Net.SeedPeers = append(cfg.Net.SeedPeers, v...)
	}
	if ctx.Bool("generate") {
		cfg.Generate = true
	}
}

func chainParams(cfg *config.Config) chain.Params {
	genesisValue := cfg.Chain.GenesisValue
	if genesisValue == 0 {
		genesisValue = cfg.Chain.InitialSubsidy
	}
	genesis := chain.NewGenesisBlock(
		cfg.Chain.GenesisTimestamp,
		cfg.Chain.GenesisMessage,
		script.PayToPubKeyHash(make([]byte, 20)),
		genesisValue,
	)
	return chain.Params{
		Magic:            cfg.Chain.Magic,
		GenesisBlock:     genesis,
		ActivationHeight: cfg.Chain.ActivationHeight,
		InitialSubsidy:   cfg.Chain.InitialSubsidy,
		HalvingInterval:  cfg.Chain.HalvingInterval,
		SubsidyFloor:     cfg.Chain.SubsidyFloor,
		CoinbaseMaturity: cfg.Chain.CoinbaseMaturity,
		StakeMaturity:    cfg.Chain.StakeMaturity,
		MinStake:         cfg.Chain.MinStake,
		PowLimitBits:     0x1e0ffff0,
		TargetSpacing:    time.Duration(cfg.Chain.TargetSpacingSecs) * time.Second,
	}
}

// loadProducerKey reads the 32-byte hex secret the producer signs with.
// Key management beyond this single file belongs to the wallet.
func loadProducerKey(dataDir string) (*btcec.PrivateKey, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, "producer.key"))
	if err != nil {
		return nil, fmt.Errorf("producer key: %w", err)
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(keyBytes) != 32 {
		return nil, fmt.Errorf("producer key must be 32 hex-encoded bytes")
	}
	key, _ := btcec.PrivKeyFromBytes(keyBytes)
	return key, nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
