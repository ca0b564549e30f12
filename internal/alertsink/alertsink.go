// Package alertsink delivers pool state-change notifications (spec.md
// §4.4: data source down/up, warning threshold crossed) to an external
// channel. Grounded on the teacher's internal/coordinator Redis client
// construction, repurposed from distributed coordination to pub/sub
// alert fan-out.
package alertsink

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPublishTimeout = 3 * time.Second

// AlertSink is the notification surface a Pool calls into on state
// changes (spec.md §4.4 "notify(event)").
type AlertSink interface {
	OnDown(poolName string, err error)
	OnUp(poolName string)
	OnWarning(poolName string, busy, warningSize int)
}

// Noop discards every alert; the default when no sink is configured.
type Noop struct{}

func (Noop) OnDown(string, error)       {}
func (Noop) OnUp(string)                {}
func (Noop) OnWarning(string, int, int) {}

// Logging just writes alerts to the standard logger, used by samples and
// tests that want visible output without external dependencies.
type Logging struct{}

func (Logging) OnDown(poolName string, err error) {
	log.Printf("[alert] %s: DOWN: %v", poolName, err)
}

func (Logging) OnUp(poolName string) {
	log.Printf("[alert] %s: UP", poolName)
}

func (Logging) OnWarning(poolName string, busy, warningSize int) {
	log.Printf("[alert] %s: WARNING busy=%d warningSize=%d", poolName, busy, warningSize)
}

// RedisConfig configures the Redis-backed alert sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Redis publishes alerts to a Redis pub/sub channel so a fleet of pools
// can be watched from one subscriber, following the teacher's Redis
// client construction style.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis builds a client for the configured Redis instance. It does not
// connect up front or block on connectivity; publish failures are logged, never returned, since an
// alert-sink outage must not affect pool operation.
func NewRedis(cfg RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: client, channel: cfg.Channel}
}

func (r *Redis) publish(kind, poolName, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	payload := fmt.Sprintf(`{"pool":%q,"kind":%q,"detail":%q}`, poolName, kind, detail)
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		log.Printf("[alertsink] redis publish failed: %v", err)
	}
}

func (r *Redis) OnDown(poolName string, err error) {
	r.publish("down", poolName, err.Error())
}

func (r *Redis) OnUp(poolName string) {
	r.publish("up", poolName, "")
}

func (r *Redis) OnWarning(poolName string, busy, warningSize int) {
	r.publish("warning", poolName, fmt.Sprintf("busy=%d warningSize=%d", busy, warningSize))
}

// Close releases the underlying Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks connectivity to the backing Redis instance, used by the
// registry-wide health endpoint to report sink reachability alongside
// each pool's own data-source state.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
