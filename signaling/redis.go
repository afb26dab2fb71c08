package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis key layout:
//
//	call:session:<id>        JSON-encoded CallSession
//	call:changed             ZSET of session ids scored by update time (ms)
//	call:party:<partyID>     SET of session ids the party participates in
//
// Channels:
//
//	call:events:<id>                      per-session change feed
//	call:inbox:<responderRole>:<partyID>  incoming-call feed for a recipient
const (
	redisSessionKeyPrefix = "call:session:"
	redisChangedKey       = "call:changed"
	redisPartyKeyPrefix   = "call:party:"
	redisEventsPrefix     = "call:events:"
	redisInboxPrefix      = "call:inbox:"

	// redisSessionTTL bounds how long an abandoned record lingers. Well
	// beyond the busy detector's staleness bound, so a live call is never
	// expired out from under its parties.
	redisSessionTTL = 24 * time.Hour

	// redisCASAttempts bounds optimistic-concurrency retries on Update.
	redisCASAttempts = 5
)

// RedisStore is a Store backed by a shared Redis instance. Change
// notifications ride Redis pub/sub; the ZSET changed-index serves the
// polling fallback.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing Redis client. The caller owns the client's
// lifecycle.
func NewRedisStore(rdb *redis.Client) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisStore{rdb: rdb}, nil
}

func sessionKey(id string) string { return redisSessionKeyPrefix + id }
func partyKey(id string) string { return redisPartyKeyPrefix + id }
func eventsChan(id string) string { return redisEventsPrefix + id }

func inboxChan(role Role, partyID string) string {
	return redisInboxPrefix + string(role) + ":" + partyID
}

// Create persists a new session record.
func (r *RedisStore) Create(ctx context.Context, session *CallSession) error {
	stored := session.Clone()
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	ok, err := r.rdb.SetNX(ctx, sessionKey(stored.ID), payload, redisSessionTTL).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	pipe := r.rdb.Pipeline()
	pipe.ZAdd(ctx, redisChangedKey, redis.Z{Score: float64(now.UnixMilli()), Member: stored.ID})
	pipe.SAdd(ctx, partyKey(stored.InitiatorID), stored.ID)
	pipe.SAdd(ctx, partyKey(stored.ResponderID), stored.ID)
	pipe.Expire(ctx, partyKey(stored.InitiatorID), redisSessionTTL)
	pipe.Expire(ctx, partyKey(stored.ResponderID), redisSessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index session: %w", err)
	}

	r.publish(ctx, stored)
	return nil
}

// Update applies a field-level partial update using optimistic concurrency:
// the record is read, merged locally under the same invariants as every other
// backend, and written back only if unchanged in between.
func (r *RedisStore) Update(ctx context.Context, id string, fields Fields) error {
	key := sessionKey(id)

	var updated *CallSession
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		session := &CallSession{}
		if err := json.Unmarshal(raw, session); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}

		if err := applyFields(session, fields, time.Now()); err != nil {
			return err
		}

		payload, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}

		updated = session
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redisSessionTTL)
			pipe.ZAdd(ctx, redisChangedKey, redis.Z{
				Score:  float64(session.UpdatedAt.UnixMilli()),
				Member: session.ID,
			})
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < redisCASAttempts; attempt++ {
		err = r.rdb.Watch(ctx, txn, key)
		if err != redis.TxFailedErr {
			break
		}
		logrus.WithFields(logrus.Fields{
			"function":   "Update",
			"session_id": id,
			"attempt":    attempt + 1,
		}).Debug("Concurrent session write, retrying update")
	}
	if err != nil {
		return err
	}

	r.publish(ctx, updated)
	return nil
}

// Get returns a snapshot of the session.
func (r *RedisStore) Get(ctx context.Context, id string) (*CallSession, error) {
	raw, err := r.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	session := &CallSession{}
	if err := json.Unmarshal(raw, session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

// Subscribe returns a change-event stream for sessions matching the filter.
//
// A session-id filter follows that session's channel. A responder filter
// follows the recipient's inbox, which receives every change of every session
// addressed to that recipient; Filter.Matches re-checks each event so a
// broader channel never leaks foreign sessions.
func (r *RedisStore) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	var channel string
	switch {
	case filter.SessionID != "":
		channel = eventsChan(filter.SessionID)
	case filter.ResponderID != "" && filter.ResponderRole != "":
		channel = inboxChan(filter.ResponderRole, filter.ResponderID)
	default:
		return nil, nil, fmt.Errorf("filter must name a session or a recipient")
	}

	pubsub := r.rdb.Subscribe(ctx, channel)
	// Force the subscription to be established before returning, so callers
	// never miss events written immediately after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan Event, subscriberBuffer)
	done := make(chan struct{})

	go func() {
		defer close(out)
		src := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				session := &CallSession{}
				if err := json.Unmarshal([]byte(msg.Payload), session); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Subscribe",
						"channel":  channel,
						"error":    err.Error(),
					}).Warn("Dropping undecodable change event")
					continue
				}
				if !filter.Matches(session) {
					continue
				}
				select {
				case out <- Event{Session: session, Source: SourcePush}:
				default:
					// Saturated subscriber; poll fallback recovers.
				}
			}
		}
	}()

	var cancelOnce func()
	cancelOnce = func() {
		select {
		case <-done:
		default:
			close(done)
			_ = pubsub.Close()
		}
	}
	return out, cancelOnce, nil
}

// ListChanged returns sessions updated at or after since, oldest first.
func (r *RedisStore) ListChanged(ctx context.Context, since time.Time) ([]*CallSession, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, redisChangedKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list changed: %w", err)
	}

	out := make([]*CallSession, 0, len(ids))
	for _, id := range ids {
		session, err := r.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

// ListByParticipant returns non-ended sessions in which partyID is either side.
func (r *RedisStore) ListByParticipant(ctx context.Context, partyID string) ([]*CallSession, error) {
	ids, err := r.rdb.SMembers(ctx, partyKey(partyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list by participant: %w", err)
	}

	var out []*CallSession
	for _, id := range ids {
		session, err := r.Get(ctx, id)
		if err == ErrNotFound {
			// Expired record; drop the stale index entry opportunistically.
			r.rdb.SRem(ctx, partyKey(partyID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if session.Ended() {
			continue
		}
		out = append(out, session)
	}
	return out, nil
}

// publish fans a change out to the session channel and the recipient inbox.
func (r *RedisStore) publish(ctx context.Context, session *CallSession) {
	payload, err := json.Marshal(session)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "publish",
			"session_id": session.ID,
			"error":      err.Error(),
		}).Error("Failed to encode change event")
		return
	}

	pipe := r.rdb.Pipeline()
	pipe.Publish(ctx, eventsChan(session.ID), payload)
	pipe.Publish(ctx, inboxChan(session.ResponderRole, session.ResponderID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "publish",
			"session_id": session.ID,
			"error":      err.Error(),
		}).Warn("Failed to publish change event, poll fallback will recover")
	}
}
