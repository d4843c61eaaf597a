package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// KVStore persists records in a JetStream key-value bucket
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore opens (or creates) bucket on an established connection
func NewKVStore(ctx context.Context, nc *nats.Conn, bucket string) (*KVStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "provisioned cameras",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create KV bucket: %w", err)
	}

	return &KVStore{kv: kv}, nil
}

// key encodes ids so any camera id is a valid key
func key(cameraID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cameraID))
}

func (s *KVStore) Put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.Identity.ID, err)
	}
	if _, err := s.kv.Put(ctx, key(rec.Identity.ID), data); err != nil {
		return fmt.Errorf("failed to put key %s: %w", rec.Identity.ID, err)
	}
	return nil
}

func (s *KVStore) Get(ctx context.Context, cameraID string) (Record, error) {
	entry, err := s.kv.Get(ctx, key(cameraID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get key %s: %w", cameraID, err)
	}

	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode record %s: %w", cameraID, err)
	}
	return rec, nil
}

func (s *KVStore) Delete(ctx context.Context, cameraID string) error {
	err := s.kv.Delete(ctx, key(cameraID))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete key %s: %w", cameraID, err)
	}
	return nil
}

func (s *KVStore) List(ctx context.Context) ([]Record, error) {
	lister, err := s.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var out []Record
	for k := range lister.Keys() {
		entry, err := s.kv.Get(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get key %s: %w", k, err)
		}

		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("Skipping unreadable device record")
			continue
		}
		out = append(out, rec)
	}

	sortRecords(out)
	return out, nil
}
