package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dvpnet/config"
	"dvpnet/core/events"
	"dvpnet/native/dvp"
	"dvpnet/native/dvp/assetsim"
	"dvpnet/observability/logging"
	"dvpnet/observability/metrics"
	"dvpnet/rpc"
	"dvpnet/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("DVP_ENV"))
	logger := logging.Setup("dvpd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	owner, err := cfg.OwnerAddress()
	if err != nil {
		panic(fmt.Sprintf("Failed to decode owner address: %v", err))
	}

	engine := dvp.NewEngine(owner, cfg.RoleGated)
	engine.SetState(dvp.NewStore(db))
	engine.SetDefaultExpiration(cfg.DefaultExpirationDays * 86400)
	engine.SetPriceLeadTime(cfg.VariablePriceMinLeadDays * 86400)

	custodian, err := cfg.CustodianAddress()
	if err != nil {
		panic(fmt.Sprintf("Failed to decode custodian address: %v", err))
	}
	if custodian != ([20]byte{}) {
		engine.SetCustodian(custodian)
	}

	ledger := assetsim.NewLedger()
	ledger.SetTransferHook(engine.Custodian(), engine.HandleTransferNotification)
	engine.SetAdapter(ledger)

	registry := prometheus.NewRegistry()
	engine.SetEmitter(events.NewFanoutEmitter(metrics.NewEventCounter(registry)))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddress, metricsMux); err != nil {
			logger.Error("metrics server terminated", slog.Any("error", err))
		}
	}()

	rpcServer := rpc.NewServer(engine, logger)
	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- rpcServer.Start(cfg.RPCAddress)
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logger.Info("settlement daemon initialised and running",
		slog.String("rpc", cfg.RPCAddress),
		slog.String("metrics", cfg.MetricsAddress))
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
		return 0
	case err, ok := <-rpcErrCh:
		if ok && err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
			return 1
		}
	}
	return 0
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
