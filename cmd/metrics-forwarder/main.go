package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/metrics-forwarder/forwarder"
	"github.com/szibis/metrics-forwarder/internal/config"
	"github.com/szibis/metrics-forwarder/internal/health"
	"github.com/szibis/metrics-forwarder/internal/logging"
	"github.com/szibis/metrics-forwarder/internal/receiver"
	"github.com/szibis/metrics-forwarder/internal/telemetry"
)

const (
	serviceName      = "metrics-forwarder"
	statsLogInterval = 30 * time.Second
)

// errInputDone ends the relay when stdin was the only ingest and reached EOF.
var errInputDone = errors.New("input closed")

func main() {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "metrics-forwarder: %v\n", err)
		config.PrintUsage()
		os.Exit(2)
	}
	if cfg.ShowHelp {
		config.PrintUsage()
		os.Exit(0)
	}
	if cfg.ShowVersion {
		config.PrintVersion()
		os.Exit(0)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "metrics-forwarder: invalid configuration:\n%v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin, nil); err != nil {
		logging.Fatal("metrics-forwarder failed", logging.F("error", err.Error()))
	}
}

// run starts the forwarding client and every configured receiver, and
// blocks until ctx is done or a component fails. The client is drained for
// up to cfg.ShutdownTimeout before returning. ready, when non-nil, receives
// the bound ingest addresses once every listener is up.
func run(ctx context.Context, cfg *config.Config, stdin io.Reader, ready func(addrs map[string]string)) error {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logging.SetLevel(level)

	if cfg.MemoryLimitRatio > 0 {
		setMemoryLimit(cfg.MemoryLimitRatio)
	}

	client, err := cfg.Dial()
	if err != nil {
		return fmt.Errorf("start forwarder: %w", err)
	}
	defer drain(client, cfg.ShutdownTimeout)

	logging.SetResource(map[string]string{
		"service.name":        serviceName,
		"service.version":     config.Version(),
		"service.instance.id": client.ID(),
	})

	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(), telemetry.Identity{
		ServiceName:    serviceName,
		ServiceVersion: config.Version(),
		InstanceID:     client.ID(),
		Upstream:       client.Endpoint(),
	})
	if err != nil {
		return err
	}
	if tel.Enabled() {
		logging.SetHook(tel.NewLogHook(level))
		defer func() {
			logging.SetHook(nil)
			sctx, cancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
			defer cancel()
			if err := tel.Shutdown(sctx); err != nil {
				logging.Warn("telemetry shutdown", logging.F("error", err.Error()))
			}
		}()
	}

	checker := health.New()
	checker.RegisterLiveness("forwarder", health.ForwarderLiveness(client))
	checker.RegisterReadiness("forwarder", health.ForwarderReadiness(client, cfg.ReadyMaxQueue))

	g, gctx := errgroup.WithContext(ctx)
	var shutdowns []func(context.Context)
	addrs := make(map[string]string)

	if cfg.UDPListenAddr != "" {
		udp, err := receiver.ListenUDP(cfg.UDPReceiverConfig(), client)
		if err != nil {
			return err
		}
		addrs["udp"] = udp.Addr().String()
		checker.RegisterReadiness("udp_receiver", udp.HealthCheck)
		g.Go(udp.Serve)
		shutdowns = append(shutdowns, func(context.Context) { _ = udp.Close() })
	}

	if cfg.HTTPListenAddr != "" {
		hr, err := receiver.NewHTTP(cfg.HTTPReceiverConfig(), client)
		if err != nil {
			return err
		}
		if err := hr.Listen(); err != nil {
			return err
		}
		addrs["http"] = hr.Addr()
		checker.RegisterReadiness("http_receiver", hr.HealthCheck)
		g.Go(hr.Start)
		shutdowns = append(shutdowns, func(ctx context.Context) { _ = hr.Stop(ctx) })
	}

	if cfg.StatsAddr != "" {
		ln, err := net.Listen("tcp", cfg.StatsAddr)
		if err != nil {
			return fmt.Errorf("listen stats %q: %w", cfg.StatsAddr, err)
		}
		addrs["stats"] = ln.Addr().String()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		checker.Register(mux)
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logging.Info("stats endpoint started", logging.F("addr", addrs["stats"], "path", "/metrics"))
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		shutdowns = append(shutdowns, func(ctx context.Context) { _ = srv.Shutdown(ctx) })
	}

	if cfg.Stdin {
		readStdin := func() error {
			n, err := receiver.ReadLines(gctx, stdin, client)
			logging.Info("stdin closed", logging.F("samples", n))
			return err
		}
		if cfg.UDPListenAddr == "" && cfg.HTTPListenAddr == "" {
			g.Go(func() error {
				if err := readStdin(); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return errInputDone
			})
		} else {
			// The scanner cannot be interrupted, so it stays outside the group.
			go func() {
				if err := readStdin(); err != nil && !errors.Is(err, context.Canceled) {
					logging.Warn("stdin ingest stopped", logging.F("error", err.Error()))
				}
			}()
		}
	}

	g.Go(func() error {
		logStats(gctx, client, statsLogInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		checker.SetShuttingDown()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		for _, fn := range shutdowns {
			fn(sctx)
		}
		return nil
	})

	logging.Info("metrics-forwarder started", logging.F(
		"upstream", client.Endpoint(),
		"client_id", client.ID(),
		"udp_addr", addrs["udp"],
		"http_addr", addrs["http"],
		"stats_addr", addrs["stats"],
		"stdin", cfg.Stdin,
		"telemetry", tel.Enabled(),
	))
	if ready != nil {
		ready(addrs)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errInputDone) {
		return err
	}
	logging.Info("shutting down")
	return nil
}

// drain waits up to timeout for the queue to empty, then stops the client
// and waits for its last batch within the same deadline.
func drain(client *forwarder.Client, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	expired := false
	for !expired && client.QueueLen() > 0 {
		select {
		case <-poll.C:
		case <-deadline.C:
			expired = true
		}
	}

	client.Stop()
	if !expired {
		select {
		case <-client.Done():
		case <-deadline.C:
		}
	}
	select {
	case <-client.Done():
		logging.Info("shutdown complete")
	default:
		logging.Warn("shutdown timed out with samples pending", logging.F(
			"queue_len", client.QueueLen(),
			"timeout", timeout.String(),
		))
	}
}

func logStats(ctx context.Context, client *forwarder.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := client.Stats()
			logging.Info("forwarder stats", logging.F(
				"connected", st.Connected,
				"queue_len", st.QueueLen,
				"current_wait", st.CurrentWait.String(),
				"batches_sent", st.BatchesSent,
				"batches_failed", st.BatchesFailed,
				"samples_sent", st.SamplesSent,
				"samples_dropped", st.SamplesDropped,
				"distinct_names", st.DistinctNames,
			))
		}
	}
}

func setMemoryLimit(ratio float64) {
	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(ratio),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)
	if err != nil {
		logging.Debug("GOMEMLIMIT not set", logging.F("error", err.Error()))
		return
	}
	logging.Info("GOMEMLIMIT set", logging.F("bytes", limit, "ratio", ratio))
}
