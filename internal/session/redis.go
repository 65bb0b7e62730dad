package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeySession      = "cobrowse:session:"
	redisKeyParticipants = "cobrowse:parts:"
	redisKeyControl      = "cobrowse:control:"
	redisKeyWorkspace    = "cobrowse:ws:"

	// redisTxRetries bounds optimistic-lock retries when a WATCHed key is
	// touched by a concurrent writer.
	redisTxRetries = 8
)

// RedisStore is the Redis-backed Store implementation for multi-node
// deployments.
//
// The control token lives in its own key; every mutation WATCHes it and
// commits through a transaction, so a concurrent grant invalidates the
// transaction and is retried rather than producing two holders. The
// HasControl flag is never persisted per participant; Participants derives
// it from the token key, so the flag cannot drift from the owner.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	clock  func() time.Time
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		clock:  time.Now,
	}
}

func (s *RedisStore) Create(ctx context.Context, name, workspaceID, hostUserID, endpoint, credential string) (*Session, error) {
	now := s.clock().UTC()
	sess := Session{
		ID:          uuid.NewString(),
		Name:        name,
		WorkspaceID: workspaceID,
		HostUserID:  hostUserID,
		Status:      StatusActive,
		Endpoint:    endpoint,
		Credential:  credential,
		CreatedAt:   now,
	}
	host := Participant{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		UserID:    hostUserID,
		Role:      RoleHost,
		JoinedAt:  now,
	}

	sessData, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	hostData, err := json.Marshal(host)
	if err != nil {
		return nil, fmt.Errorf("marshal participant: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKeySession+sess.ID, sessData, s.ttl)
		pipe.HSet(ctx, redisKeyParticipants+sess.ID, hostUserID, hostData)
		pipe.Expire(ctx, redisKeyParticipants+sess.ID, s.ttl)
		pipe.SAdd(ctx, redisKeyWorkspace+workspaceID, sess.ID)
		pipe.Expire(ctx, redisKeyWorkspace+workspaceID, s.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	return s.getSession(ctx, s.client, sessionID)
}

func (s *RedisStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, redisKeyWorkspace+workspaceID).Result()
	if err != nil {
		return nil, fmt.Errorf("list workspace sessions: %w", err)
	}

	var out []*Session
	for _, id := range ids {
		sess, err := s.getSession(ctx, s.client, id)
		if errors.Is(err, ErrNotFound) {
			// Session expired; drop the stale index entry.
			s.client.SRem(ctx, redisKeyWorkspace+workspaceID, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *RedisStore) Participants(ctx context.Context, sessionID string) ([]*Participant, error) {
	if _, err := s.getSession(ctx, s.client, sessionID); err != nil {
		return nil, err
	}

	raw, err := s.client.HGetAll(ctx, redisKeyParticipants+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	owner, err := s.controlOwner(ctx, s.client, sessionID)
	if err != nil {
		return nil, err
	}

	out := make([]*Participant, 0, len(raw))
	for _, data := range raw {
		var p Participant
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("decode participant: %w", err)
		}
		p.HasControl = owner != "" && p.UserID == owner
		out = append(out, &p)
	}
	return out, nil
}

func (s *RedisStore) Join(ctx context.Context, sessionID, userID string) (*Participant, error) {
	var joined *Participant

	err := s.withTx(ctx, func(tx *redis.Tx) error {
		sess, err := s.getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status == StatusEnded {
			return ErrAlreadyEnded
		}

		existing, err := tx.HGet(ctx, redisKeyParticipants+sessionID, userID).Result()
		if err == nil {
			var p Participant
			if err := json.Unmarshal([]byte(existing), &p); err != nil {
				return fmt.Errorf("decode participant: %w", err)
			}
			joined = &p
			return nil
		}
		if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("load participant: %w", err)
		}

		p := Participant{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			UserID:    userID,
			Role:      RoleParticipant,
			JoinedAt:  s.clock().UTC(),
		}
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal participant: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, redisKeyParticipants+sessionID, userID, data)
			pipe.Expire(ctx, redisKeyParticipants+sessionID, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		joined = &p
		return nil
	}, redisKeySession+sessionID, redisKeyParticipants+sessionID)
	if err != nil {
		return nil, err
	}
	return joined, nil
}

func (s *RedisStore) Leave(ctx context.Context, sessionID, userID string) error {
	return s.withTx(ctx, func(tx *redis.Tx) error {
		if _, err := s.getSession(ctx, tx, sessionID); err != nil {
			return err
		}
		if _, err := tx.HGet(ctx, redisKeyParticipants+sessionID, userID).Result(); err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("load participant: %w", err)
		}

		owner, err := s.controlOwner(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, redisKeyParticipants+sessionID, userID)
			if owner == userID {
				pipe.Del(ctx, redisKeyControl+sessionID)
			}
			return nil
		})
		return err
	}, redisKeySession+sessionID, redisKeyParticipants+sessionID, redisKeyControl+sessionID)
}

func (s *RedisStore) End(ctx context.Context, sessionID, requesterID string) error {
	return s.withTx(ctx, func(tx *redis.Tx) error {
		sess, err := s.getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if requesterID != sess.HostUserID {
			return ErrAuthorization
		}

		sess.Status = StatusEnded
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKeySession+sessionID, data, s.ttl)
			pipe.Del(ctx, redisKeyParticipants+sessionID)
			pipe.Del(ctx, redisKeyControl+sessionID)
			return nil
		})
		return err
	}, redisKeySession+sessionID, redisKeyParticipants+sessionID, redisKeyControl+sessionID)
}

func (s *RedisStore) SetControl(ctx context.Context, sessionID, requesterID, targetUserID string, grant bool) error {
	return s.withTx(ctx, func(tx *redis.Tx) error {
		sess, err := s.getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if requesterID != sess.HostUserID {
			return ErrAuthorization
		}
		if sess.Status == StatusEnded {
			return ErrAlreadyEnded
		}

		if _, err := tx.HGet(ctx, redisKeyParticipants+sessionID, targetUserID).Result(); err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("load participant: %w", err)
		}

		owner, err := s.controlOwner(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if grant {
				pipe.Set(ctx, redisKeyControl+sessionID, targetUserID, s.ttl)
			} else if owner == targetUserID {
				pipe.Del(ctx, redisKeyControl+sessionID)
			}
			return nil
		})
		return err
	}, redisKeySession+sessionID, redisKeyParticipants+sessionID, redisKeyControl+sessionID)
}

func (s *RedisStore) ControlOwner(ctx context.Context, sessionID string) (string, error) {
	if _, err := s.getSession(ctx, s.client, sessionID); err != nil {
		return "", err
	}
	return s.controlOwner(ctx, s.client, sessionID)
}

// withTx runs fn inside an optimistic WATCH transaction, retrying when a
// concurrent writer invalidates it.
func (s *RedisStore) withTx(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < redisTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errContention
}

var errContention = errors.New("session: transaction contention")

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) getSession(ctx context.Context, c redisGetter, sessionID string) (*Session, error) {
	data, err := c.Get(ctx, redisKeySession+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) controlOwner(ctx context.Context, c redisGetter, sessionID string) (string, error) {
	owner, err := c.Get(ctx, redisKeyControl+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load control owner: %w", err)
	}
	return owner, nil
}
