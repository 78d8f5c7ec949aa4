// Command chaintreed runs a chaintree engine as a standalone gossip-synced
// daemon: it opens (or creates) a badger-backed chain, joins the libp2p
// gossip network, and keeps the canonical chain caught up with peers.
// Adapted from the teacher's cmd/poaid/main.go daemon bootstrap sequence.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"chaintree/chainconfig"
	"chaintree/chainnet"
	"chaintree/chainstore"
	"chaintree/chaintree"
)

func main() {
	var (
		dataDir       = flag.String("data-dir", "data", "directory for chain data")
		pruneDepth    = flag.Uint64("prune-depth", 0, "canonical blocks to keep (0 = keep all, disables pruning)")
		p2pPort       = flag.Int("p2p-port", 4001, "p2p listen port")
		peerMultiaddr = flag.String("peer-multiaddr", "", "multiaddr of a peer to connect to (optional)")
		orphanSweep   = flag.Duration("orphan-sweep-interval", 30*time.Second, "interval between orphan pool diagnostics sweeps")
		statusAddr    = flag.String("status-addr", "", "address to serve a JSON status endpoint on (empty disables it)")
	)
	flag.Parse()

	chainconfig.PruneDepth = *pruneDepth

	log.Printf("[CHAINTREED] starting, data-dir=%s p2p-port=%d prune-depth=%d", *dataDir, *p2pPort, *pruneDepth)

	store, err := chainstore.OpenBadgerStore(*dataDir)
	if err != nil {
		log.Fatalf("[FATAL] failed to open store: %v", err)
	}

	engine, err := chaintree.NewEngine(store, func() chaintree.Block {
		return chaintree.NewGenesisRefBlock()
	}, chaintree.DecodeRefBlock, nil)
	if err != nil {
		log.Fatalf("[FATAL] failed to construct engine: %v", err)
	}
	log.Printf("[CHAINTREED] chain opened at height=%d tip=%s", engine.Height(), engine.CanonicalTip().Hash())

	ref, err := chaintree.NewRef(engine)
	if err != nil {
		log.Fatalf("[FATAL] failed to construct ref: %v", err)
	}

	if chainconfig.PruneDepth > 0 {
		if err := ref.Prune(chainconfig.PruneDepth); err != nil {
			log.Printf("[CHAINTREED] startup prune error: %v", err)
		}
	}

	ctx := context.Background()
	node, err := chainnet.NewNode(ctx, *p2pPort, ref, chaintree.DecodeRefBlock)
	if err != nil {
		log.Fatalf("[FATAL] failed to start p2p node: %v", err)
	}
	log.Printf("[CHAINTREED] p2p node started, peer id=%s", node.Host.ID())
	for _, addr := range node.Host.Addrs() {
		log.Printf("[CHAINTREED] listening on: %s/p2p/%s", addr, node.Host.ID())
	}
	ref.SetMissingParentHandler(node.RequestBlockByHash)
	ref.SetRewindHandler(func(demoted []chaintree.Block) {
		log.Printf("[CHAINTREED] rewind demoted %d block(s)", len(demoted))
	})

	if *peerMultiaddr != "" {
		log.Printf("[CHAINTREED] connecting to peer: %s", *peerMultiaddr)
		addr, err := ma.NewMultiaddr(*peerMultiaddr)
		if err != nil {
			log.Fatalf("[FATAL] invalid multiaddr: %v", err)
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Fatalf("[FATAL] invalid addr info: %v", err)
		}
		if err := node.Host.Connect(ctx, *pi); err != nil {
			log.Printf("[CHAINTREED] failed to connect to peer: %v", err)
		} else {
			log.Printf("[CHAINTREED] connected to peer: %s", pi.ID)
		}
	}

	if *statusAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(ref.Stats()); err != nil {
				log.Printf("[CHAINTREED] status endpoint encode error: %v", err)
			}
		})
		go func() {
			log.Printf("[CHAINTREED] status endpoint listening on %s", *statusAddr)
			if err := http.ListenAndServe(*statusAddr, mux); err != nil {
				log.Printf("[CHAINTREED] status endpoint stopped: %v", err)
			}
		}()
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	ref.StartOrphanSweeper(sweepCtx, *orphanSweep, func(orphanCount int) {
		stats := ref.Stats()
		log.Printf("[CHAINTREED] diagnostics: height=%d tip=%s orphans=%d disconnected_heads=%d valid_tips=%d",
			stats.Height, stats.CanonicalTipHash, orphanCount, stats.DisconnectedHeads, stats.ValidTips)
	})

	headCh := ref.Subscribe()
	go func() {
		for tip := range headCh {
			node.AnnounceHead(tip)
			if chainconfig.PruneDepth > 0 {
				if err := ref.Prune(chainconfig.PruneDepth); err != nil {
					log.Printf("[CHAINTREED] prune error: %v", err)
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Printf("[CHAINTREED] shutting down")
	cancelSweep()
	if err := store.Close(); err != nil {
		log.Printf("[CHAINTREED] error closing store: %v", err)
	}
}
