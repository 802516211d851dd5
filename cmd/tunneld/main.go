// Command tunneld is the supervisor binary: it loads the YAML
// configuration, opens the TUN device, brings up the embedded stack and
// overlay wiring via internal/tunneler, and runs until asked to stop,
// grounded on cmd/outline-cli-ws/main.go's config-load -> wiring ->
// signal-handling shape.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"tunneler/internal/config"
	"tunneler/internal/device"
	"tunneler/internal/observability"
	"tunneler/internal/overlay"
	"tunneler/internal/tunneler"
)

func main() {
	var cfgPath string
	var metricsAddr string
	flag.StringVar(&cfgPath, "c", "config.yaml", "config path")
	flag.StringVar(&metricsAddr, "metrics", "", "prometheus metrics listen address, e.g. :9100")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		log.Fatalf("observability: %v", err)
	}
	if metricsAddr != "" {
		go func() {
			if err := observability.Serve(ctx, metricsAddr, reg); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
		log.Printf("Prometheus metrics listening on %s", metricsAddr)
	}

	drv, err := device.OpenTUN(cfg.Tun.Device)
	if err != nil {
		log.Fatalf("device: %v", err)
	}

	entries, err := cfg.InterceptEntries()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	overlays := make(map[string]overlay.Config, len(cfg.Intercepts))
	for _, ic := range cfg.Intercepts {
		overlays[ic.ServiceID] = ic.Overlay
	}

	t, err := tunneler.Init(tunneler.Options{
		Device:         drv,
		Intercepts:     entries,
		Overlays:       overlays,
		UDPIdleTimeout: cfg.Tun.UDPIdleTimeout,
	})
	if err != nil {
		log.Fatalf("tunneler: %v", err)
	}
	log.Printf("tunneler %s running on %s", tunneler.Version(), drv.Name())

	for _, ip := range cfg.Tun.LocalAddresses {
		if err := t.AddLocalAddress(ip); err != nil {
			log.Fatalf("add local address %s: %v", ip, err)
		}
	}
	for _, cidr := range cfg.Tun.Routes {
		if err := drv.AddRoute(cidr); err != nil {
			log.Fatalf("add route %s: %v", cidr, err)
		}
	}
	for _, dst := range cfg.Tun.ExcludeRoutes {
		if err := t.ExcludeRoute(ctx, dst); err != nil {
			log.Printf("exclude route %s: %v", dst, err)
		}
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Printf("shutting down...")
	t.Shutdown()
}
