// Command cavroctl runs a sequence of syringe pump commands described in a
// YAML file as a single command chain.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arloliu/go-cavro/cavro"
	"github.com/arloliu/go-cavro/logger"
	"github.com/arloliu/go-cavro/metrics"
	"github.com/arloliu/go-cavro/transport"
)

func main() {
	configPath := flag.String("config", "cavroctl.yaml", "Path to config file")
	portName := flag.String("port", "", "Override serial port (e.g. /dev/ttyUSB0)")
	listPorts := flag.Bool("list", false, "List serial ports and exit")
	noWait := flag.Bool("no-wait", false, "Return after transmitting the chain")
	flag.Parse()

	if *listPorts {
		ports, err := transport.ListPorts()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *portName != "" {
		cfg.Serial.Port = *portName
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, !*noWait); err != nil {
		logger.Error("cavroctl: run failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func newLogger(cfg LogConfig) (logger.Logger, func(), error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	if cfg.File == "" {
		return logger.NewSlog(level, false), func() {}, nil
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("cavroctl: open log file: %w", err)
	}

	return logger.NewSlogWriter(f, level, false), func() { _ = f.Close() }, nil
}

func run(ctx context.Context, cfg *Config, wait bool) error {
	l, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()
	logger.SetLogger(l)

	tr, err := transport.OpenSerial(cfg.Serial.Port, cfg.transportOptions(l)...)
	if err != nil {
		return err
	}
	defer tr.Close()

	pumpCfg, err := cavro.NewPumpConfig(cfg.pumpOptions(l)...)
	if err != nil {
		return err
	}

	var reg prometheus.Registerer
	if cfg.Metrics.Listen != "" {
		r := prometheus.NewRegistry()
		stopMetrics := serveMetrics(cfg.Metrics.Listen, r, l)
		defer stopMetrics()
		reg = r
	}

	return runSteps(ctx, tr, pumpCfg, cfg, wait, reg)
}

// serveMetrics exposes reg on addr under /metrics and returns a function
// shutting the server down.
func serveMetrics(addr string, reg *prometheus.Registry, l logger.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		l.Info("cavroctl: metrics server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("cavroctl: metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// runSteps opens the pump on tr, optionally initializes it and executes the
// configured steps as one chain. The pump metrics are registered on reg when
// it is not nil.
func runSteps(ctx context.Context, tr transport.Transport, pumpCfg *cavro.PumpConfig, cfg *Config, wait bool, reg prometheus.Registerer) error {
	pump, err := cavro.NewPump(tr, pumpCfg)
	if err != nil {
		return err
	}
	if reg != nil {
		if err := reg.Register(metrics.NewPumpCollector(cfg.Serial.Port, pump.Metrics())); err != nil {
			return err
		}
	}
	if err := pump.Open(ctx); err != nil {
		return err
	}
	if cfg.Pump.Init {
		if err := pump.Init(ctx, cfg.Pump.InitForce, 0); err != nil {
			return err
		}
	}

	if len(cfg.Steps) == 0 {
		return nil
	}

	remaining, err := pump.Do(ctx, wait, func(c *cavro.Chain) error {
		for i, s := range cfg.Steps {
			if err := s.apply(c, pumpCfg); err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
		}
		pumpCfg.GetLogger().Info("cavroctl: executing chain", "cmd", c.String(), "estimate", c.Estimate())

		return nil
	})
	if err != nil {
		return err
	}

	st := pump.State()
	m := pump.Metrics()
	pumpCfg.GetLogger().Info("cavroctl: chain done",
		"remaining", remaining,
		"port", st.Port,
		"plungerPos", st.PlungerPos,
		"commands", m.CommandSendCount.Load(),
		"recoveries", m.RecoveryCount.Load(),
	)

	return nil
}
