package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingProber struct {
	trims  chan struct{}
	probes chan struct{}
}

func (p *countingProber) Trim() {
	select {
	case p.trims <- struct{}{}:
	default:
	}
}

func (p *countingProber) Probe(ctx context.Context) error {
	select {
	case p.probes <- struct{}{}:
	default:
	}
	return nil
}

func TestMonitorStopWithoutStartDoesNotBlock(t *testing.T) {
	m := New("p", &countingProber{trims: make(chan struct{}, 1), probes: make(chan struct{}, 1)}, 0, time.Second)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked forever when Start was never called")
	}
}

func TestMonitorTicksAndStops(t *testing.T) {
	prober := &countingProber{trims: make(chan struct{}, 1), probes: make(chan struct{}, 1)}
	m := New("p", prober, 5*time.Millisecond, time.Second)

	m.Start()

	select {
	case <-prober.trims:
	case <-time.After(time.Second):
		t.Fatal("monitor never ticked")
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop never returned after Start")
	}

	assert.True(t, m.started.Load())
}
