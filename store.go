package livecache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Store is the persistent half of the cache: two keyed namespaces shared by
// every instance of an origin. `timestamps` is one hash mapping bucket to
// the server timestamp; `cache` is one hash per bucket mapping specific key
// to an encoded CacheEntry, plus a set of known bucket names.
//
// Store never fails a read path: any operation that cannot reach Redis logs
// a warning and returns a benign value, and the memory cache degrades to
// memory-only.
type Store struct {
	conn      redis.UniversalClient
	tsKey     string
	cacheNs   string
	indexKey  string
	opTimeout time.Duration
	stats     *MetricSet
}

func newStore(conn redis.UniversalClient, cfg DBConfig, stats *MetricSet) *Store {
	ns := cfg.Namespace
	return &Store{
		conn:      conn,
		tsKey:     ns + ":" + cfg.TimestampStoreName,
		cacheNs:   ns + ":" + cfg.CacheStoreName + ":",
		indexKey:  ns + ":" + cfg.CacheStoreName + ":index",
		opTimeout: cfg.OpTimeout,
		stats:     stats,
	}
}

func (s *Store) bucketKey(bucket string) string {
	return s.cacheNs + bucket
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Store) warn(err error, op string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	s.stats.errorAt(errLabelStore)
	log.Warn().Err(err).Msgf("store: %s failed, degrading to memory-only", op)
}

// SetTimestamp records @p ts for @p bucket, latest-wins: an older-or-equal
// timestamp is silently dropped. The compare and write run inside one
// transaction so concurrent writers preserve monotonicity.
func (s *Store) SetTimestamp(ctx context.Context, bucket string, ts int64) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	err := s.conn.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, s.tsKey, bucket).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && ts <= cur {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.tsKey, bucket, ts)
			return nil
		})
		return err
	}, s.tsKey)
	s.warn(err, "SetTimestamp")
}

// GetTimestamp returns the stored timestamp for @p bucket, or ok=false.
func (s *Store) GetTimestamp(ctx context.Context, bucket string) (int64, bool) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	ts, err := s.conn.HGet(ctx, s.tsKey, bucket).Int64()
	if err != nil {
		s.warn(err, "GetTimestamp")
		return 0, false
	}
	return ts, true
}

// GetAllTimestamps returns the full bucket-to-timestamp mapping.
func (s *Store) GetAllTimestamps(ctx context.Context) map[string]int64 {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	raw, err := s.conn.HGetAll(ctx, s.tsKey).Result()
	if err != nil {
		s.warn(err, "GetAllTimestamps")
		return map[string]int64{}
	}
	out := make(map[string]int64, len(raw))
	for bucket, v := range raw {
		ts, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[bucket] = ts
	}
	return out
}

// DeleteTimestamp removes a bucket's timestamp. Used when the server stops
// listing a bucket during a full sync.
func (s *Store) DeleteTimestamp(ctx context.Context, bucket string) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	s.warn(s.conn.HDel(ctx, s.tsKey, bucket).Err(), "DeleteTimestamp")
}

// SetCache writes @p entry under bucket/key, latest-wins on the entry's
// timestamp. Read-modify-write runs as one transaction.
func (s *Store) SetCache(ctx context.Context, bucket, key string, entry *CacheEntry) {
	encoded, err := encodeEntry(entry)
	if err != nil {
		s.warn(err, "SetCache encode")
		return
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	bkey := s.bucketKey(bucket)
	err = s.conn.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, bkey, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			cur, derr := decodeEntry(raw)
			if derr == nil && !entry.NewerThan(cur) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, bkey, key, encoded)
			pipe.SAdd(ctx, s.indexKey, bucket)
			return nil
		})
		return err
	}, bkey)
	s.warn(err, "SetCache")
}

// GetCache returns the entry under bucket/key, or nil.
func (s *Store) GetCache(ctx context.Context, bucket, key string) *CacheEntry {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	raw, err := s.conn.HGet(ctx, s.bucketKey(bucket), key).Bytes()
	if err != nil {
		s.warn(err, "GetCache")
		return nil
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		s.warn(err, "GetCache decode")
		return nil
	}
	return entry
}

// GetBucket returns every entry of @p bucket, or nil when absent.
func (s *Store) GetBucket(ctx context.Context, bucket string) map[string]*CacheEntry {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	raw, err := s.conn.HGetAll(ctx, s.bucketKey(bucket)).Result()
	if err != nil {
		s.warn(err, "GetBucket")
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]*CacheEntry, len(raw))
	for key, v := range raw {
		entry, derr := decodeEntry([]byte(v))
		if derr != nil {
			continue
		}
		out[key] = entry
	}
	return out
}

// DeleteBucket drops a bucket's entries and its index membership.
func (s *Store) DeleteBucket(ctx context.Context, bucket string) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.bucketKey(bucket))
		pipe.SRem(ctx, s.indexKey, bucket)
		return nil
	})
	s.warn(err, "DeleteBucket")
}

// GetAllBucketKeys lists every bucket that holds cached entries.
func (s *Store) GetAllBucketKeys(ctx context.Context) []string {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	buckets, err := s.conn.SMembers(ctx, s.indexKey).Result()
	if err != nil {
		s.warn(err, "GetAllBucketKeys")
		return nil
	}
	return buckets
}

// ClearCache drops every cached bucket but keeps timestamps.
func (s *Store) ClearCache(ctx context.Context) {
	buckets := s.GetAllBucketKeys(ctx)
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, bucket := range buckets {
			pipe.Del(ctx, s.bucketKey(bucket))
		}
		pipe.Del(ctx, s.indexKey)
		return nil
	})
	s.warn(err, "ClearCache")
}

// ClearTimestamps drops the timestamp namespace.
func (s *Store) ClearTimestamps(ctx context.Context) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	s.warn(s.conn.Del(ctx, s.tsKey).Err(), "ClearTimestamps")
}

// ClearAll drops both namespaces.
func (s *Store) ClearAll(ctx context.Context) {
	s.ClearCache(ctx)
	s.ClearTimestamps(ctx)
}
