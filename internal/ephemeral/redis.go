package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

const (
	redisKeyPrefix     = "eph:"
	redisChangeChannel = "eph:changes"
)

// 필드 값이 일치할 때만 삭제/교체 후 변경 채널에 발행
// KEYS[1]=key ARGV[1]=field ARGV[2]=expected ARGV[3]=channel ARGV[4]=path
var (
	compareAndRemoveScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local ok, obj = pcall(cjson.decode, raw)
if not ok or type(obj) ~= 'table' or obj[ARGV[1]] ~= ARGV[2] then return 0 end
redis.call('DEL', KEYS[1])
redis.call('PUBLISH', ARGV[3], ARGV[4])
return 1
`)

	// ARGV[5]=value ARGV[6]=ttl ms (0: no expiry)
	compareAndSetScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local ok, obj = pcall(cjson.decode, raw)
if not ok or type(obj) ~= 'table' or obj[ARGV[1]] ~= ARGV[2] then return 0 end
local ttl = tonumber(ARGV[6])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[5], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[5])
end
redis.call('PUBLISH', ARGV[3], ARGV[4])
return 1
`)
)

// RedisStore is a Store backed by Redis/Valkey. Values are plain string keys
// with PX expiry; every write publishes the changed paths on one channel so
// every process with subscribers can refresh its snapshots. Redis does not
// publish expirations without keyspace notifications, so subscribed
// prefixes are also re-scanned every resync interval.
type RedisStore struct {
	client *redis.Client

	mu       sync.Mutex
	subs     map[uint64]*subscriber
	nextID   uint64
	pubsub   *redis.PubSub
	listenWG sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	resync time.Duration
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// ResyncInterval controls expiry detection for subscribers. Default 1s.
	ResyncInterval time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	log.Printf("[Redis] Connected to %s", opts.Addr)
	return NewRedisStoreWithClient(client, opts.ResyncInterval), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, resync time.Duration) *RedisStore {
	if resync <= 0 {
		resync = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisStore{
		client: client,
		subs:   make(map[uint64]*subscriber),
		ctx:    ctx,
		cancel: cancel,
		resync: resync,
	}
}

func redisKey(path string) string {
	return redisKeyPrefix + path
}

// Set writes value at path with PX expiry.
func (r *RedisStore) Set(ctx context.Context, path string, value any, ttl time.Duration) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKey(path), []byte(raw), clampTTL(ttl))
		pipe.Publish(ctx, redisChangeChannel, path)
		return nil
	})
	return mapRedisErr(err)
}

// SetNX writes value only when path is absent.
func (r *RedisStore) SetNX(ctx context.Context, path string, value any, ttl time.Duration) (bool, error) {
	raw, err := encode(value)
	if err != nil {
		return false, err
	}

	ok, err := r.client.SetNX(ctx, redisKey(path), []byte(raw), clampTTL(ttl)).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	if ok {
		r.publish(ctx, path)
	}
	return ok, nil
}

// BatchUpdate applies all updates inside MULTI/EXEC.
func (r *RedisStore) BatchUpdate(ctx context.Context, updates map[string]Update) error {
	encoded := make(map[string][]byte, len(updates))
	for path, u := range updates {
		if u.Value == nil {
			continue
		}
		raw, err := encode(u.Value)
		if err != nil {
			return err
		}
		encoded[path] = raw
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for path, u := range updates {
			if raw, ok := encoded[path]; ok {
				pipe.Set(ctx, redisKey(path), raw, clampTTL(u.TTL))
			} else {
				pipe.Del(ctx, redisKey(path))
			}
		}
		for path := range updates {
			pipe.Publish(ctx, redisChangeChannel, path)
		}
		return nil
	})
	return mapRedisErr(err)
}

// Remove deletes paths.
func (r *RedisStore) Remove(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = redisKey(p)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		for _, p := range paths {
			pipe.Publish(ctx, redisChangeChannel, p)
		}
		return nil
	})
	return mapRedisErr(err)
}

// Get decodes the value at path.
func (r *RedisStore) Get(ctx context.Context, path string, dst any) (bool, error) {
	val, err := r.client.Get(ctx, redisKey(path)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapRedisErr(err)
	}
	return true, json.Unmarshal(val, dst)
}

// List scans keys under prefix and fetches them with MGET.
func (r *RedisStore) List(ctx context.Context, prefix string) (Snapshot, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, escapeGlob(redisKey(prefix))+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, mapRedisErr(err)
	}

	snap := make(Snapshot, len(keys))
	if len(keys) == 0 {
		return snap, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	for i, v := range values {
		// 조회 사이에 만료된 키
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			snap[strings.TrimPrefix(keys[i], redisKeyPrefix)] = json.RawMessage(s)
		}
	}
	return snap, nil
}

// Expire resets the TTL of an existing key.
func (r *RedisStore) Expire(ctx context.Context, path string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ok, err := r.client.Persist(ctx, redisKey(path)).Result()
		return ok, mapRedisErr(err)
	}
	ok, err := r.client.Expire(ctx, redisKey(path), ttl).Result()
	return ok, mapRedisErr(err)
}

// CompareAndRemove deletes path inside a Lua script so the check and the
// delete cannot interleave with another writer.
func (r *RedisStore) CompareAndRemove(ctx context.Context, path, field, expected string) (bool, error) {
	n, err := compareAndRemoveScript.Run(ctx, r.client,
		[]string{redisKey(path)},
		field, expected, redisChangeChannel, path,
	).Int()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n == 1, nil
}

// CompareAndSet replaces path inside a Lua script.
func (r *RedisStore) CompareAndSet(ctx context.Context, path, field, expected string, value any, ttl time.Duration) (bool, error) {
	raw, err := encode(value)
	if err != nil {
		return false, err
	}

	n, err := compareAndSetScript.Run(ctx, r.client,
		[]string{redisKey(path)},
		field, expected, redisChangeChannel, path, string(raw), clampTTL(ttl).Milliseconds(),
	).Int()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n == 1, nil
}

// Subscribe registers fn for changes under prefix. The shared change-channel
// listener starts on the first subscription.
func (r *RedisStore) Subscribe(prefix string, fn func(Snapshot)) func() {
	sub := newSubscriber(prefix, fn)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = sub
	if r.pubsub == nil {
		r.pubsub = r.client.Subscribe(r.ctx, redisChangeChannel)
		r.listenWG.Add(2)
		go r.listen(r.pubsub)
		go r.resyncLoop()
	}
	r.mu.Unlock()

	r.refresh(sub)

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		sub.stop()
	}
}

// Close stops listeners and closes the client.
func (r *RedisStore) Close() error {
	r.cancel()

	r.mu.Lock()
	ps := r.pubsub
	subs := r.subs
	r.subs = make(map[uint64]*subscriber)
	r.mu.Unlock()

	if ps != nil {
		ps.Close()
	}
	r.listenWG.Wait()
	for _, sub := range subs {
		sub.stop()
	}
	return r.client.Close()
}

// Health checks if Redis is healthy
func (r *RedisStore) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) listen(ps *redis.PubSub) {
	defer r.listenWG.Done()

	ch := ps.Channel()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			for _, sub := range r.matching(msg.Payload) {
				r.refresh(sub)
			}
		}
	}
}

func (r *RedisStore) resyncLoop() {
	defer r.listenWG.Done()

	ticker := time.NewTicker(r.resync)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			for _, sub := range r.matching("") {
				r.refreshIfChanged(sub)
			}
		}
	}
}

// matching returns subscribers interested in path; "" returns all.
func (r *RedisStore) matching(path string) []*subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		if path == "" || sub.matches(path) {
			out = append(out, sub)
		}
	}
	return out
}

func (r *RedisStore) refresh(sub *subscriber) {
	snap, err := r.List(r.ctx, sub.prefix)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[Redis] Failed to refresh %s: %v", sub.prefix, err)
		}
		return
	}
	sub.offer(snap)
}

func (r *RedisStore) refreshIfChanged(sub *subscriber) {
	snap, err := r.List(r.ctx, sub.prefix)
	if err != nil {
		return
	}
	sub.offerIfChanged(snap)
}

func (r *RedisStore) publish(ctx context.Context, path string) {
	if err := r.client.Publish(ctx, redisChangeChannel, path).Err(); err != nil {
		log.Printf("[Redis] Failed to publish change for %s: %v", path, err)
	}
}

// clampTTL maps "never" to go-redis' zero expiration.
func clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func mapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "NOPERM") || strings.HasPrefix(err.Error(), "NOAUTH") {
		return errors.Join(ErrPermissionDenied, err)
	}
	return err
}
