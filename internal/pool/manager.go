package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lrsouza/connpool/internal/alertsink"
	"github.com/lrsouza/connpool/internal/config"
	"github.com/lrsouza/connpool/internal/factory"
	"github.com/lrsouza/connpool/internal/listener"
)

// Registry manages several named Pools from one process, the multi-pool
// entry point a deployment with more than one logical database uses
// (adapted from the teacher's single-instance pool Manager).
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewRegistry builds a Pool for every entry in cfgs, sharing one alert
// sink and one listener across all of them. It closes any pool already
// started before returning on the first failure.
func NewRegistry(ctx context.Context, cfgs []*config.Config, alert alertsink.AlertSink, lis listener.PoolListener) (*Registry, error) {
	r := &Registry{pools: make(map[string]*Pool, len(cfgs))}

	for _, cfg := range cfgs {
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
			r.Shutdown(ctx)
			return nil, fmt.Errorf("building factory for pool %s: %w", cfg.Name, err)
		}

		p := New(ctx, Options{
			Name:              cfg.Name,
			Opener:            opener,
			Listener:          lis,
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
		r.pools[cfg.Name] = p
	}

	log.Printf("[pool] registry initialized: %d pool(s)", len(r.pools))
	return r, nil
}

// Pool returns the named pool, if registered.
func (r *Registry) Pool(name string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	return p, ok
}

// Names returns the registered pool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pools))
	for n := range r.pools {
		names = append(names, n)
	}
	return names
}

// Shutdown shuts down every registered pool, deregistering the driver on
// each, and returns the first error encountered.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	pools := r.pools
	r.pools = nil
	r.mu.Unlock()

	var firstErr error
	for name, p := range pools {
		if err := p.Shutdown(ctx, true); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutting down pool %s: %w", name, err)
		}
	}
	return firstErr
}
