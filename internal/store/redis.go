package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/studymate-app/studymate/internal/core"
	"github.com/studymate-app/studymate/internal/domain"
)

const txRetries = 8

// Redis keeps each session as one JSON document under a key and fans
// snapshots out through a pub/sub channel per session. Merges run as
// optimistic WATCH transactions.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, prefix: "studymate"}
}

func (r *Redis) key(id domain.SessionID) string {
	return r.prefix + ":session:" + string(id)
}

func (r *Redis) channel(id domain.SessionID) string {
	return r.prefix + ":updates:" + string(id)
}

func (r *Redis) Create(ctx context.Context, sess *domain.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, r.key(sess.ID), b, 0).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return domain.ErrSessionExists
	}
	return r.publish(ctx, sess.ID)
}

func (r *Redis) Get(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	b, err := r.rdb.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(id, b)
}

func (r *Redis) Merge(ctx context.Context, id domain.SessionID, fields map[string]any) error {
	return r.update(ctx, id, func(sess *domain.Session) error {
		for path, value := range fields {
			if err := sess.ApplyMergeField(path, value); err != nil {
				return fmt.Errorf("merge %q: %w", path, err)
			}
		}
		return nil
	})
}

func (r *Redis) AppendCandidates(ctx context.Context, id domain.SessionID, field string, cands ...domain.Candidate) error {
	return r.update(ctx, id, func(sess *domain.Session) error {
		list, err := candidateList(&sess.Signaling, field)
		if err != nil {
			return err
		}
		*list = unionCandidates(*list, cands)
		return nil
	})
}

// update runs a read-modify-write of the session document under WATCH,
// retrying on write conflicts.
func (r *Redis) update(ctx context.Context, id domain.SessionID, mutate func(*domain.Session) error) error {
	key := r.key(id)
	txn := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		sess, err := decodeSession(id, b)
		if err != nil {
			return err
		}
		if err := mutate(sess); err != nil {
			return err
		}
		out, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	var err error
	for range txRetries {
		err = r.rdb.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return err
	}
	return r.publish(ctx, id)
}

func (r *Redis) QueryByCreator(ctx context.Context, uid string) ([]*domain.Session, error) {
	var out []*domain.Session
	iter := r.rdb.Scan(ctx, 0, r.prefix+":session:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		b, err := r.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		id := domain.SessionID(key[len(r.prefix)+len(":session:"):])
		sess, err := decodeSession(id, b)
		if err != nil {
			return nil, err
		}
		if sess.CreatedBy.UID == uid {
			out = append(out, sess)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return out, nil
}

func (r *Redis) Subscribe(ctx context.Context, id domain.SessionID, fn core.SnapshotFunc) (func(), error) {
	ps := r.rdb.Subscribe(ctx, r.channel(id))
	// Force the subscription onto the wire before the initial snapshot so
	// no committed write can slip between them unobserved.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe session: %w", err)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { _ = ps.Close() })
	}

	go func() {
		fn(r.snapshot(ctx, id))
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				unsubscribe()
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn(r.snapshot(ctx, id))
			}
		}
	}()

	return unsubscribe, nil
}

func (r *Redis) snapshot(ctx context.Context, id domain.SessionID) core.Snapshot {
	sess, err := r.Get(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return core.Snapshot{}
	}
	if err != nil {
		log.Error().Err(err).Str("module", "store.redis").Str("session", string(id)).Msg("snapshot read failed")
		return core.Snapshot{}
	}
	return core.Snapshot{Exists: true, Session: sess}
}

func (r *Redis) publish(ctx context.Context, id domain.SessionID) error {
	if err := r.rdb.Publish(ctx, r.channel(id), "update").Err(); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

func decodeSession(id domain.SessionID, b []byte) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess.ID = id
	return &sess, nil
}
