// Command dppengine runs the process orchestration engine: given a
// provider endpoint, a counterparty BPN and an asset id, it negotiates a
// contract and drives the resulting transfer to completion, printing the
// process id so a caller can poll its state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dpp-connector/engine/common"
	"github.com/dpp-connector/engine/dppconfig"
	"github.com/dpp-connector/engine/engine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dbPath   = flag.String("db", "dppengine.db", "path to the journal/process-store file")
		provider = flag.String("provider", "", "provider dataspace URL")
		bpn      = flag.String("bpn", "", "counterparty BPN")
		assetID  = flag.String("asset", "", "asset id to negotiate and transfer")
		level    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	if *provider == "" || *bpn == "" || *assetID == "" {
		flag.Usage()
		return fmt.Errorf("provider, bpn and asset are required")
	}

	log := common.NewLogger(*level)

	cfg, err := dppconfig.Load("")
	if err != nil {
		return err
	}

	eng, err := engine.Open(*dbPath, cfg, log)
	if err != nil {
		return err
	}

	processID, err := eng.StartProcess(*provider, *bpn, *assetID)
	if err != nil {
		return err
	}
	log.WithField("processId", processID).Info("process started")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return eng.Shutdown(shutdownCtx)
}
