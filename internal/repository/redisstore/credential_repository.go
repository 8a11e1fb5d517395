// Package redisstore keeps credential health in a Redis hash. Updates use
// WATCH/MULTI so that concurrent writers to the same slot never lose an update.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/nadmax/pixq/internal/credential"
	"github.com/nadmax/pixq/internal/repository"
	"github.com/redis/go-redis/v9"
)

const (
	statusKey  = "pixq:credential_status"
	maxRetries = 10
)

var ErrConflict = errors.New("credential status update kept conflicting")

func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

type CredentialStatusRepository struct {
	client *redis.Client
	now    func() time.Time
}

func NewCredentialStatusRepository(client *redis.Client) *CredentialStatusRepository {
	return &CredentialStatusRepository{client: client, now: time.Now}
}

func (r *CredentialStatusRepository) GetStatus(ctx context.Context, slot int) (*credential.Status, error) {
	data, err := r.client.HGet(ctx, statusKey, strconv.Itoa(slot)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("credential slot %d: %w", slot, repository.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return credential.StatusFromJSON(data)
}

func (r *CredentialStatusRepository) UpsertStatus(ctx context.Context, slot int, u credential.Update) (*credential.Status, error) {
	field := strconv.Itoa(slot)
	var updated *credential.Status

	txf := func(tx *redis.Tx) error {
		current := credential.NewStatus(slot)

		data, err := tx.HGet(ctx, statusKey, field).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if current, err = credential.StatusFromJSON(data); err != nil {
				return fmt.Errorf("corrupt status for slot %d: %w", slot, err)
			}
		}

		current.Apply(u, r.now())
		encoded, err := current.ToJSON()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, statusKey, field, encoded)
			return nil
		})
		if err == nil {
			updated = current
		}
		return err
	}

	if err := r.watch(ctx, txf); err != nil {
		return nil, err
	}

	return updated, nil
}

func (r *CredentialStatusRepository) ListStatuses(ctx context.Context) ([]*credential.Status, error) {
	all, err := r.client.HGetAll(ctx, statusKey).Result()
	if err != nil {
		return nil, err
	}

	return decodeAll(all)
}

func (r *CredentialStatusRepository) ResetStatuses(ctx context.Context) error {
	txf := func(tx *redis.Tx) error {
		all, err := tx.HGetAll(ctx, statusKey).Result()
		if err != nil {
			return err
		}

		statuses, err := decodeAll(all)
		if err != nil {
			return err
		}

		now := r.now()
		values := make(map[string]any, len(statuses))
		for _, s := range statuses {
			s.Apply(credential.Initial(), now)
			encoded, err := s.ToJSON()
			if err != nil {
				return err
			}
			values[strconv.Itoa(s.Slot)] = encoded
		}

		if len(values) == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, statusKey, values)
			return nil
		})
		return err
	}

	return r.watch(ctx, txf)
}

func (r *CredentialStatusRepository) watch(ctx context.Context, txf func(tx *redis.Tx) error) error {
	for range maxRetries {
		err := r.client.Watch(ctx, txf, statusKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return ErrConflict
}

func decodeAll(all map[string]string) ([]*credential.Status, error) {
	statuses := make([]*credential.Status, 0, len(all))
	for field, data := range all {
		s, err := credential.StatusFromJSON(data)
		if err != nil {
			return nil, fmt.Errorf("corrupt status for slot %s: %w", field, err)
		}
		statuses = append(statuses, s)
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Slot < statuses[j].Slot })
	return statuses, nil
}
