package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisCredIndex  = "creds:index"
	redisCredPrefix = "creds:item:"

	redisStoreTimeout = 2 * time.Second
)

// RedisStore keeps credentials as Redis hashes so multiple gateway replicas
// can share one credential set. Layout:
//
//	creds:index        — SET of credential IDs
//	creds:item:<id>    — HASH {token, refresh_token, project_id, disabled, ban_reason}
type RedisStore struct {
	rdb       *redis.Client
	refresher *TokenRefresher
}

// NewRedisStore wraps an existing Redis client. The caller owns the client
// lifecycle. refresher may be nil for static API-key credentials.
func NewRedisStore(rdb *redis.Client, refresher *TokenRefresher) *RedisStore {
	return &RedisStore{rdb: rdb, refresher: refresher}
}

// Load reads all credentials listed in the index set.
func (s *RedisStore) Load(ctx context.Context) ([]Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, redisStoreTimeout)
	defer cancel()

	ids, err := s.rdb.SMembers(ctx, redisCredIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("credential: SMEMBERS %s: %w", redisCredIndex, err)
	}

	creds := make([]Credential, 0, len(ids))
	for _, id := range ids {
		fields, err := s.rdb.HGetAll(ctx, redisCredPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("credential: HGETALL %s: %w", id, err)
		}
		if len(fields) == 0 {
			continue // index entry without a hash — skip
		}

		status := StatusActive
		if fields["disabled"] == "1" {
			status = StatusBanned
		}

		creds = append(creds, Credential{
			ID:           id,
			Token:        fields["token"],
			RefreshToken: fields["refresh_token"],
			ProjectID:    fields["project_id"],
			Status:       status,
			BanReason:    fields["ban_reason"],
		})
	}

	return creds, nil
}

// Persist writes the credential hash and ensures the index entry exists.
func (s *RedisStore) Persist(ctx context.Context, cred Credential) error {
	ctx, cancel := context.WithTimeout(ctx, redisStoreTimeout)
	defer cancel()

	disabled := "0"
	if cred.Status == StatusBanned {
		disabled = "1"
	}

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, redisCredIndex, cred.ID)
	pipe.HSet(ctx, redisCredPrefix+cred.ID, map[string]any{
		"token":         cred.Token,
		"refresh_token": cred.RefreshToken,
		"project_id":    cred.ProjectID,
		"disabled":      disabled,
		"ban_reason":    cred.BanReason,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("credential: persist %s: %w", cred.ID, err)
	}

	return nil
}

// RefreshSecret delegates to the configured TokenRefresher.
func (s *RedisStore) RefreshSecret(ctx context.Context, cred Credential) (string, error) {
	if s.refresher == nil {
		return "", ErrNotRefreshable
	}
	return s.refresher.Refresh(ctx, cred)
}
