// Package main implements the nexus-engine data-plane process: it opens the
// nexuses declared in its bootstrap manifest and serves the JSON control
// surface describing their state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/mayadata-io/nexus-engine/internal/config"
)

var (
	version = "dev"
)

var (
	listenAddr   = flag.String("listen-addr", ":9090", "Address to serve the nexus-engine JSON API")
	metricsAddr  = flag.String("metrics-addr", ":9091", "Address to expose Prometheus metrics (empty disables it)")
	manifestFile = flag.String("manifest", "", "Path to a YAML manifest declaring nexuses/children to open at startup")
	showVersion  = flag.Bool("show-version", false, "Show version and exit")
	debug        = flag.Bool("debug", false, "Enable debug logging (equivalent to -v=4)")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *debug || os.Getenv("NEXUS_ENGINE_DEBUG") == "1" {
		if err := flag.Set("v", "4"); err != nil {
			klog.Warningf("failed to set verbosity level: %v", err)
		}
	}

	if *showVersion {
		fmt.Printf("nexus-engine version: %s\n", version)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg := config.FromEnv()
	eng := newEngine(cfg)

	if *manifestFile != "" {
		m, err := loadManifest(*manifestFile)
		if err != nil {
			klog.Fatalf("nexus-engine: %v", err)
		}
		ctx := context.Background()
		for _, ns := range m.Nexuses {
			if err := eng.openNexus(ctx, ns); err != nil {
				klog.Fatalf("nexus-engine: open nexus %s: %v", ns.Name, err)
			}
		}
	} else {
		klog.Info("nexus-engine: no -manifest given, starting with no nexuses")
	}

	srv := newAPIServer(eng, *listenAddr, *metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go srv.Run()

	klog.Info("nexus-engine: ready")
	<-sigCh
	klog.Info("nexus-engine: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	eng.destroyAll(shutdownCtx)
	srv.Stop(shutdownCtx)

	klog.Info("nexus-engine: stopped")
}
