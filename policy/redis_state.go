package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/davianspace/resilience"
	"github.com/go-redis/redis/v8"
)

// RedisCircuitBreakerStore persists circuit-breaker state transitions to
// Redis so every process sharing the same circuit name observes the same
// phase, not just every handler within one process (the in-memory
// CircuitBreakerRegistry's guarantee). Grounded on the teacher's Redis DB
// allocation table, which reserves DB 3 for circuit-breaker state; this
// store is the optional distributed extension of that allocation rather
// than a replacement for CircuitBreakerPolicy's own in-memory state
// machine, which still makes every admit/trip decision locally.
type RedisCircuitBreakerStore struct {
	client    *redis.Client
	namespace string
}

// RedisCircuitBreakerDB is the framework's reserved database index for
// circuit-breaker state, per the teacher's "DB 3: Circuit breaker state"
// allocation.
const RedisCircuitBreakerDB = 3

// RedisStateOptions configures a RedisCircuitBreakerStore.
type RedisStateOptions struct {
	RedisURL  string
	Namespace string // key namespace, e.g. "resilience:circuitbreaker"
}

// NewRedisCircuitBreakerStore dials RedisURL against the reserved
// circuit-breaker database and returns a store ready for SaveState/
// LoadState.
func NewRedisCircuitBreakerStore(opts RedisStateOptions) (*RedisCircuitBreakerStore, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("resilience/policy: redis URL is required")
	}
	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("resilience/policy: invalid redis URL: %w", err)
	}
	redisOpt.DB = RedisCircuitBreakerDB

	client := redis.NewClient(redisOpt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("resilience/policy: connect to redis circuit-breaker db: %w", err)
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = "resilience:circuitbreaker"
	}
	return &RedisCircuitBreakerStore{client: client, namespace: namespace}, nil
}

func (s *RedisCircuitBreakerStore) key(name string) string {
	return fmt.Sprintf("%s:%s", s.namespace, name)
}

// SaveState records name's current phase and the time it was entered. A
// breaker held open is given a TTL of ttl past the transition so a crashed
// process's stale "open" entry expires instead of wedging every replica
// forever; pass 0 to store without expiry (closed/half-open states).
func (s *RedisCircuitBreakerStore) SaveState(ctx context.Context, name string, phase CircuitState, changedAt time.Time, ttl time.Duration) error {
	value := fmt.Sprintf("%d|%d", phase, changedAt.UnixNano())
	return s.client.Set(ctx, s.key(name), value, ttl).Err()
}

// LoadState returns the last persisted phase for name. ok is false if no
// entry exists (fresh circuit, or a prior "open" entry that expired).
func (s *RedisCircuitBreakerStore) LoadState(ctx context.Context, name string) (phase CircuitState, changedAt time.Time, ok bool, err error) {
	raw, err := s.client.Get(ctx, s.key(name)).Result()
	if err == redis.Nil {
		return StateClosed, time.Time{}, false, nil
	}
	if err != nil {
		return StateClosed, time.Time{}, false, fmt.Errorf("resilience/policy: load circuit state %s: %w", name, err)
	}
	var phaseInt int32
	var nanos int64
	if _, scanErr := fmt.Sscanf(raw, "%d|%d", &phaseInt, &nanos); scanErr != nil {
		return StateClosed, time.Time{}, false, fmt.Errorf("resilience/policy: corrupt circuit state %s: %w", name, scanErr)
	}
	return CircuitState(phaseInt), time.Unix(0, nanos), true, nil
}

// Close releases the underlying Redis connection.
func (s *RedisCircuitBreakerStore) Close() error {
	return s.client.Close()
}

// Attach subscribes to hub so every CircuitOpen/CircuitClose transition is
// mirrored into Redis, keyed by the event's Source (the circuit name).
// Open transitions are stored with breakDuration as their TTL so a
// crash-looping process cannot pin every replica's circuit open forever;
// close transitions are stored without expiry.
func (s *RedisCircuitBreakerStore) Attach(hub *resilience.EventHub, breakDuration time.Duration) {
	persist := func(evt resilience.Event, phase CircuitState) {
		ttl := time.Duration(0)
		if phase == StateOpen {
			ttl = breakDuration
		}
		_ = s.SaveState(context.Background(), evt.Source, phase, evt.Timestamp, ttl)
	}
	hub.On(resilience.EventCircuitOpen, func(evt resilience.Event) { persist(evt, StateOpen) })
	hub.On(resilience.EventCircuitClose, func(evt resilience.Event) { persist(evt, StateClosed) })
}
