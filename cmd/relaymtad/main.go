package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/relaymta/relaymta/internal/bounce"
	"github.com/relaymta/relaymta/internal/brokerclient"
	"github.com/relaymta/relaymta/internal/classify"
	"github.com/relaymta/relaymta/internal/log"
	"github.com/relaymta/relaymta/internal/resolve"
	"github.com/relaymta/relaymta/internal/store"
	"github.com/relaymta/relaymta/internal/sts"
	"github.com/relaymta/relaymta/internal/zone"
	"github.com/relaymta/relaymta/internal/zoneconfig"
)

func main() {
	app := cli.NewApp()
	app.Name = "relaymtad"
	app.Usage = "outbound delivery engine worker daemon"
	app.Version = Version
	app.Flags = []cli.Flag{
		&cli.PathFlag{
			Name:    "config",
			Usage:   "Zone configuration file to use",
			EnvVars: []string{"RELAYMTAD_CONFIG"},
			Value:   "/etc/relaymta/relaymtad.yaml",
		},
		&cli.StringFlag{
			Name:    "storedir",
			Usage:   "Directory holding accepted message bodies",
			EnvVars: []string{"RELAYMTAD_STOREDIR"},
			Value:   "/var/lib/relaymta/store",
		},
		&cli.StringFlag{
			Name:    "redis",
			Usage:   "Redis address for the MX resolver cache",
			EnvVars: []string{"RELAYMTAD_REDIS"},
			Value:   "localhost:6379",
		},
		&cli.StringFlag{
			Name:    "metrics",
			Usage:   "Address to serve the Prometheus /metrics endpoint on",
			EnvVars: []string{"RELAYMTAD_METRICS_ADDR"},
			Value:   ":9420",
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "Enable debug-level logging",
			EnvVars: []string{"RELAYMTAD_DEBUG"},
		},
		&cli.StringSliceFlag{
			Name:    "dns-server",
			Usage:   "Recursive DNS server (host:port) to query directly; repeatable",
			EnvVars: []string{"RELAYMTAD_DNS_SERVERS"},
			Value:   cli.NewStringSlice("1.1.1.1:53", "8.8.8.8:53"),
		},
		&cli.StringFlag{
			Name:    "hostname",
			Usage:   "Identity used in Received:/Reporting-MTA headers; defaults to the OS hostname",
			EnvVars: []string{"RELAYMTAD_HOSTNAME"},
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := log.Logger{Name: "relaymtad", Debug: c.Bool("debug"), Out: log.WriterOutput(os.Stderr, true)}

	cfg, err := zoneconfig.Load(c.Path("config"))
	if err != nil {
		return fmt.Errorf("relaymtad: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: c.String("redis")})

	hostname := c.String("hostname")
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("relaymtad: resolve hostname: %w", err)
		}
		hostname = h
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Msg("shutting down")
		cancel()
	}()

	go serveMetrics(c.String("metrics"), logger)

	var wg sync.WaitGroup
	for _, zc := range cfg.Zones {
		table, err := loadBounceTable(zc.BounceRules)
		if err != nil {
			return fmt.Errorf("relaymtad: zone %s: %w", zc.Name, err)
		}

		for p := 0; p < zc.Processes; p++ {
			z, closeFn, err := startZoneProcess(ctx, cfg.BrokerAddr, zc, table, rdb, c.Path("storedir"), c.StringSlice("dns-server"), hostname, logger)
			if err != nil {
				return fmt.Errorf("relaymtad: zone %s process %d: %w", zc.Name, p, err)
			}
			wg.Add(1)
			go func(z *zone.Zone) {
				defer wg.Done()
				defer closeFn()
				z.Run(ctx)
			}(z)
		}
	}

	wg.Wait()
	return nil
}

// startZoneProcess dials a fresh broker connection and builds one Zone
// instance: §5 models a "process" as a Zone with its own broker
// connection, sharing only broker-backed state (the connect-failure
// cache, the lease protocol) with every other process of the same zone.
func startZoneProcess(ctx context.Context, brokerAddr string, zc zoneconfig.ZoneConfig, table *classify.Table, rdb *redis.Client, storeDir string, dnsServers []string, hostname string, logger log.Logger) (*zone.Zone, func(), error) {
	conn, err := net.Dial("tcp", brokerAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker: %w", err)
	}

	broker := brokerclient.New(conn)
	processID := uuid.NewString()
	if err := broker.Hello(ctx, zc.Name, processID); err != nil {
		broker.Close()
		return nil, nil, fmt.Errorf("hello: %w", err)
	}

	resolver := resolve.New(dnsServers, rdb)
	httpClient := &http.Client{}
	stsHandler := sts.NewHandler(filepath.Join(storeDir, zc.Name, "mtasts"), netResolver{})
	go refreshSTSPeriodically(ctx, stsHandler, logger)

	z := zone.New(zc, zone.Deps{
		Broker:      broker,
		Resolver:    resolver,
		STS:         stsHandler,
		Store:       store.NewDiskStore(filepath.Join(storeDir, zc.Name)),
		BounceTable: table,
		Bouncer:     bounce.New(broker, hostname, logger),
		HTTPClient:  httpClient,
		Logger:      logger,
	})
	return z, func() { z.Close(); broker.Close() }, nil
}

// refreshSTSPeriodically mirrors the teacher's mx_auth.mtasts updater()
// goroutine: refresh every cached policy nearing expiry every 12 hours,
// plus once at start-up since the process may have been down for a while.
func refreshSTSPeriodically(ctx context.Context, h *sts.Handler, logger log.Logger) {
	if err := h.Refresh(); err != nil {
		logger.Msg("mta-sts cache refresh failed", "error", err)
	}
	t := time.NewTicker(12 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := h.Refresh(); err != nil {
				logger.Msg("mta-sts cache refresh failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// netResolver adapts the stdlib resolver's LookupTXT to go-mtasts's
// Resolver interface: the MTA-STS policy record lookup doesn't need
// miekg/dns's raw-RR access the way MX/A resolution does.
type netResolver struct{}

func (netResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return net.DefaultResolver.LookupTXT(ctx, name)
}

func loadBounceTable(path string) (*classify.Table, error) {
	if path == "" {
		return &classify.Table{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bounce rules: %w", err)
	}
	defer f.Close()
	return classify.ParseRules(bufio.NewScanner(f))
}

func serveMetrics(addr string, logger log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Msg("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Msg("metrics listener stopped", "error", err)
	}
}
