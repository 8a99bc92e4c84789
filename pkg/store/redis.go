package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sessionbus/pkg/config"
	"sessionbus/pkg/message"
)

const defaultRedisKey = "sessionbus:scheduled"

// Redis appends encoded records to one list. LoadAndClear reads and deletes
// the list inside MULTI/EXEC, so concurrent loaders never both see a record.
type Redis struct {
	client *redis.Client
	key    string
	opts   Options
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, key string, opts Options) *Redis {
	if key == "" {
		key = defaultRedisKey
	}

	return &Redis{client: client, key: key, opts: opts.withDefaults()}
}

// OpenRedis connects using cfg and verifies the connection.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, opts Options) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedis(client, cfg.Key, opts), nil
}

func (s *Redis) Close() error { return s.client.Close() }

func (s *Redis) Save(ctx context.Context, events []message.Scheduled) error {
	records, err := encodeRecords(s.opts.Codec, events)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	values := make([]any, 0, len(records))
	for _, record := range records {
		buf, err := s.opts.Codec.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", record.ID, err)
		}
		values = append(values, buf)
	}

	if err := s.client.RPush(ctx, s.key, values...).Err(); err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	return nil
}

func (s *Redis) LoadAndClear(ctx context.Context) ([]message.Scheduled, error) {
	var values *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		values = pipe.LRange(ctx, s.key, 0, -1)
		pipe.Del(ctx, s.key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis load: %w", err)
	}

	return s.decode(ctx, values.Val())
}

func (s *Redis) Peek(ctx context.Context) ([]message.Scheduled, error) {
	values, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis peek: %w", err)
	}

	return s.decode(ctx, values)
}

func (s *Redis) decode(ctx context.Context, values []string) ([]message.Scheduled, error) {
	records := make([]Record, 0, len(values))
	for _, value := range values {
		var record Record
		if err := s.opts.Codec.Unmarshal([]byte(value), &record); err != nil {
			s.opts.Logger.WarnContext(ctx, "skipping undecodable redis record", "error", err)
			continue
		}
		records = append(records, record)
	}

	return decodeRecords(ctx, s.opts.Logger, s.opts.Codec, records), nil
}
