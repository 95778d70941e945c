// Package coordination provides the shared cross-worker state that cannot
// live in a single process: sticky proxy bindings, session concurrency
// slots, and per-proxy token buckets. All workers on all hosts see the
// same Redis keys, so rate limits and stickiness hold fleet-wide.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scraperpro/orchestrator/internal/config"
)

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectionTimeout = 5 * time.Second

// NewClient creates a Redis client and verifies the connection.
func NewClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Coordinator namespaces and wraps the Redis operations the scheduler and
// proxy selector rely on.
type Coordinator struct {
	client *redis.Client
	ns     string
}

// New constructs a Coordinator. The namespace prefixes every key so
// multiple deployments can share one Redis.
func New(client *redis.Client, namespace string) *Coordinator {
	if namespace == "" {
		namespace = "orch"
	}
	return &Coordinator{client: client, ns: namespace}
}

func (c *Coordinator) stickyKey(jobID int64, affinityKey string) string {
	return fmt.Sprintf("%s:sticky:%d:%s", c.ns, jobID, affinityKey)
}

func (c *Coordinator) slotKey(sessionID int64) string {
	return fmt.Sprintf("%s:session:%d:uses", c.ns, sessionID)
}

func (c *Coordinator) bucketKey(proxyID int64) string {
	return fmt.Sprintf("%s:bucket:%d", c.ns, proxyID)
}

// BindSticky binds an affinity key to a proxy for ttl, or returns the
// proxy already bound. The SET NX GET round trip is atomic, so two workers
// racing on the same key converge on one binding.
func (c *Coordinator) BindSticky(ctx context.Context, jobID int64, affinityKey string, proxyID int64, ttl time.Duration) (int64, bool, error) {
	key := c.stickyKey(jobID, affinityKey)
	prev, err := c.client.SetArgs(ctx, key, strconv.FormatInt(proxyID, 10), redis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
		Get:  true,
	}).Result()
	if errors.Is(err, redis.Nil) {
		// No prior binding existed; ours won.
		return proxyID, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("bind sticky: %w", err)
	}
	bound, err := strconv.ParseInt(prev, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("bind sticky: corrupt binding %q: %w", prev, err)
	}
	return bound, false, nil
}

// RefreshSticky extends a live binding's TTL. A vanished binding is not an
// error; the next selection simply rebinds.
func (c *Coordinator) RefreshSticky(ctx context.Context, jobID int64, affinityKey string, ttl time.Duration) error {
	if err := c.client.Expire(ctx, c.stickyKey(jobID, affinityKey), ttl).Err(); err != nil {
		return fmt.Errorf("refresh sticky: %w", err)
	}
	return nil
}

// ReleaseSticky drops a binding, forcing the next selection to pick fresh.
func (c *Coordinator) ReleaseSticky(ctx context.Context, jobID int64, affinityKey string) error {
	if err := c.client.Del(ctx, c.stickyKey(jobID, affinityKey)).Err(); err != nil {
		return fmt.Errorf("release sticky: %w", err)
	}
	return nil
}

var acquireSlotScript = redis.NewScript(`
local current = redis.call("incr", KEYS[1])
if current > tonumber(ARGV[1]) then
	redis.call("decr", KEYS[1])
	return 0
end
return 1
`)

// AcquireSessionSlot takes one concurrency slot for a session, bounded at
// maxUses. Returns false when the session is saturated.
func (c *Coordinator) AcquireSessionSlot(ctx context.Context, sessionID int64, maxUses int) (bool, error) {
	ok, err := acquireSlotScript.Run(ctx, c.client, []string{c.slotKey(sessionID)}, maxUses).Int()
	if err != nil {
		return false, fmt.Errorf("acquire session slot: %w", err)
	}
	return ok == 1, nil
}

var releaseSlotScript = redis.NewScript(`
local current = redis.call("decr", KEYS[1])
if current < 0 then
	redis.call("set", KEYS[1], 0)
end
return 1
`)

// ReleaseSessionSlot returns a slot. Double releases clamp at zero rather
// than going negative.
func (c *Coordinator) ReleaseSessionSlot(ctx context.Context, sessionID int64) error {
	if err := releaseSlotScript.Run(ctx, c.client, []string{c.slotKey(sessionID)}).Err(); err != nil {
		return fmt.Errorf("release session slot: %w", err)
	}
	return nil
}

var takeTokenScript = redis.NewScript(`
local tokens_key = KEYS[1] .. ":tokens"
local ts_key = KEYS[1] .. ":ts"
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call("get", tokens_key)) or burst
local last = tonumber(redis.call("get", ts_key)) or now

local elapsed = math.max(0, now - last)
tokens = math.min(burst, tokens + elapsed * rate / 1000)

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

local ttl = math.ceil(burst / rate * 1000) + 60000
redis.call("set", tokens_key, tokens, "px", ttl)
redis.call("set", ts_key, now, "px", ttl)
return allowed
`)

// TakeToken consumes one token from a proxy's shared bucket. The bucket
// refills at rps tokens per second up to burst, and its state is visible
// to every worker process, so the cap holds fleet-wide.
func (c *Coordinator) TakeToken(ctx context.Context, proxyID int64, rps float64, burst int, now time.Time) (bool, error) {
	if rps <= 0 {
		return true, nil
	}
	if burst < 1 {
		burst = 1
	}
	ok, err := takeTokenScript.Run(ctx, c.client,
		[]string{c.bucketKey(proxyID)},
		rps, burst, now.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("take token: %w", err)
	}
	return ok == 1, nil
}
