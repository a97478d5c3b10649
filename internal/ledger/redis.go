package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nvll/nvll-web/internal/xerrors"
)

// ErrConflict is returned when an optimistic update keeps losing to
// concurrent writers after the retry budget is spent.
var ErrConflict = errors.New("ledger entry modified concurrently, retries exhausted")

// RedisStore persists ledger entries in Redis under
// "<app>:traffics:<clientID>". Updates run inside WATCH/MULTI
// transactions: a concurrent write to the same key aborts the
// transaction and the read-modify-write is retried.
type RedisStore struct {
	rdb         *redis.Client
	app         string
	resolvedTTL time.Duration
	maxRetries  int
	onConflict  func()
}

type RedisOption func(*RedisStore)

// WithResolvedTTL overrides how long fully resolved entries live.
func WithResolvedTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.resolvedTTL = d }
}

// WithMaxRetries bounds optimistic-transaction retries per update.
func WithMaxRetries(n int) RedisOption {
	return func(s *RedisStore) { s.maxRetries = n }
}

// WithOnConflict registers a callback fired every time an update loses
// its WATCH race, e.g. to increment a prometheus counter.
func WithOnConflict(fn func()) RedisOption {
	return func(s *RedisStore) { s.onConflict = fn }
}

func NewRedisStore(rdb *redis.Client, app string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:         rdb,
		app:         app,
		resolvedTTL: DefaultResolvedTTL,
		maxRetries:  5,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) key(clientID string) string {
	return s.app + ":traffics:" + clientID
}

func (s *RedisStore) Get(ctx context.Context, clientID string) (Entry, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(clientID)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, xerrors.Wrap(err, "ledger get")
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, xerrors.Wrap(err, "ledger entry decode")
	}
	return e, true, nil
}

func (s *RedisStore) Update(ctx context.Context, clientID string, fn func(*Entry) (bool, error)) error {
	key := s.key(clientID)

	txn := func(tx *redis.Tx) error {
		var e Entry
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			// absent entry, fn sees the zero value
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &e); err != nil {
				return xerrors.Wrap(err, "ledger entry decode")
			}
		}

		changed, err := fn(&e)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		buf, err := json.Marshal(&e)
		if err != nil {
			return xerrors.Wrap(err, "ledger entry encode")
		}

		ttl := expiryFor(&e, s.resolvedTTL)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if ttl > 0 {
				pipe.Set(ctx, key, buf, ttl)
			} else {
				pipe.Set(ctx, key, buf, 0)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.rdb.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			// lost the race, re-read and retry
			if s.onConflict != nil {
				s.onConflict()
			}
			continue
		}
		return xerrors.Wrap(err, "ledger update")
	}
	return ErrConflict
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
