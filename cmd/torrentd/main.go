// Command torrentd downloads a single torrent to a directory and exits
// once every piece has been written and hash-validated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/avx7/torrentd/internal/config"
	"github.com/avx7/torrentd/internal/engine"
	"github.com/avx7/torrentd/internal/metainfo"
)

func main() {
	outputDir := flag.String("out", ".", "directory to write downloaded files into")
	numberPeers := flag.Int("peers", 0, "override the maximum number of concurrent peer connections (0 keeps the default)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-out dir] [-peers N] <path-to-torrent-file>\n", os.Args[0])
		os.Exit(1)
	}

	if err := run(flag.Arg(0), *outputDir, *numberPeers); err != nil {
		log.Fatalf("[ERROR]\t%v\n", err)
	}
}

func run(torrentPath, outputDir string, numberPeers int) error {
	cfg := config.Default()
	if numberPeers > 0 {
		cfg.NumberPeers = numberPeers
	}

	info, err := metainfo.Load(torrentPath, cfg.RequestLength)
	if err != nil {
		return fmt.Errorf("loading torrent: %w", err)
	}
	log.Printf("[INFO]\t%s: info hash %x, %d pieces, %d bytes\n",
		info.Name, info.InfoHash, len(info.PieceHashes), info.TotalLength)

	eng, err := engine.New(info, outputDir, cfg)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return eng.Run(ctx)
}
