// Command poolsample wires a single connpool.Pool end to end: config,
// factory, metrics, alert sink, and a status/metrics HTTP server. It
// exists to demonstrate the package, not to run in production.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lrsouza/connpool/internal/alertsink"
	"github.com/lrsouza/connpool/internal/config"
	"github.com/lrsouza/connpool/internal/factory"
	"github.com/lrsouza/connpool/internal/health"
	"github.com/lrsouza/connpool/internal/listener"
	"github.com/lrsouza/connpool/internal/pool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var configPath = flag.String("config", "configs/pool.yaml", "Path to pool configuration file")

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] starting connpool sample")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] failed to load configuration: %v", err)
	}
	log.Printf("[main] loaded pool %q: min=%d max=%d driver=%s", cfg.Name, cfg.MinConnections, cfg.MaxConnections, cfg.DriverName)

	opener, err := factory.New(factory.Config{
		DriverName:         cfg.DriverName,
		URL:                cfg.URL,
		Username:           cfg.Username,
		Password:           cfg.Password,
		Properties:         cfg.Properties,
		IsolationLevel:     cfg.IsolationLevel,
		AutoCommit:         cfg.AutoCommit,
		ConnectTimeoutSecs: 10,
	})
	if err != nil {
		log.Fatalf("[main] failed to build session factory: %v", err)
	}

	var alert alertsink.AlertSink = alertsink.Logging{}
	var redisSink *alertsink.Redis
	if cfg.Redis.Enabled {
		redisSink = alertsink.NewRedis(alertsink.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		alert = redisSink
		log.Printf("[main] alert sink: redis channel %q on %s", cfg.Redis.Channel, cfg.Redis.Addr)
	}

	p := pool.New(context.Background(), pool.Options{
		Name:              cfg.Name,
		Opener:            opener,
		Listener:          listener.Multi{listener.Noop{}, listener.Metrics{PoolName: cfg.Name}},
		Alert:             alert,
		MinSize:           cfg.MinConnections,
		MaxSize:           cfg.MaxConnections,
		WarningSize:       cfg.WarningSize,
		WaitTimeoutMs:     cfg.WaitTimeoutMillis,
		MaxInactiveMillis: cfg.MaxInactiveMillis(),
		MaxAgeMillis:      cfg.MaxAgeMillis(),
		TrimPoolFreqMs:    cfg.TrimPoolFreqMillis(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatTimeout:  time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second,
		HeartbeatSQL:      cfg.HeartbeatSQL,
		LeakTimeMinutes:   cfg.LeakTimeMinutes,
		CaptureStack:      cfg.CaptureStackTrace,
		MaxStackSize:      cfg.MaxStackTraceSize,
		PstmtCacheSize:    cfg.PstmtCacheSize,
	})

	var sink health.Pinger
	if redisSink != nil {
		sink = redisSink
	}
	checker := health.NewChecker(map[string]health.PoolStatus{cfg.Name: p}, sink)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", checker.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		st := p.Status(false)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/statistics", func(w http.ResponseWriter, r *http.Request) {
		st := p.Statistics(false)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	server := &http.Server{
		Addr:         ":9090",
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Println("[main] status/metrics server listening on :9090")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] status server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[main] received signal %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] status server shutdown error: %v", err)
	}
	if err := p.Shutdown(shutdownCtx, true); err != nil {
		log.Printf("[main] pool shutdown error: %v", err)
	}
	if redisSink != nil {
		if err := redisSink.Close(); err != nil {
			log.Printf("[main] redis sink close error: %v", err)
		}
	}
	fmt.Println("[main] shutdown complete")
}
