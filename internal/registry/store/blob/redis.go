package blob

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/redis/go-redis/v9"

	"teamclock/internal/registry/models"
	"teamclock/pkg/platform/sentinel"
)

// DefaultKey is where the document lives when no key is configured.
const DefaultKey = "teamclock:members"

// RedisDocument stores the document as one JSON string under a single key.
// Save runs under WATCH so a concurrent writer aborts the transaction.
type RedisDocument struct {
	client *redis.Client
	key    string
}

// RedisDocumentOption configures a RedisDocument.
type RedisDocumentOption func(*RedisDocument)

// WithKey overrides the document key.
func WithKey(key string) RedisDocumentOption {
	return func(d *RedisDocument) {
		if key != "" {
			d.key = key
		}
	}
}

// NewRedisDocument constructs a Redis-backed document.
func NewRedisDocument(client *redis.Client, opts ...RedisDocumentOption) *RedisDocument {
	d := &RedisDocument{
		client: client,
		key:    DefaultKey,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *RedisDocument) Load(ctx context.Context) (*Snapshot, error) {
	return d.load(ctx, d.client)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (d *RedisDocument) load(ctx context.Context, c getter) (*Snapshot, error) {
	raw, err := c.Get(ctx, d.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Snapshot{}, nil
	}
	if err != nil {
		return nil, translate("load document", err)
	}
	return decode(raw)
}

func (d *RedisDocument) Save(ctx context.Context, expectedVersion int64, members []*models.TeamMember) error {
	raw, err := encode(expectedVersion+1, members)
	if err != nil {
		return err
	}

	err = d.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := d.load(ctx, tx)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("document at version %d, write based on %d: %w", current.Version, expectedVersion, sentinel.ErrConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, d.key, raw, 0)
			return nil
		})
		return err
	}, d.key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("document changed during write: %w", sentinel.ErrConflict)
	case errors.Is(err, sentinel.ErrConflict), errors.Is(err, sentinel.ErrUnavailable):
		return err
	default:
		return translate("save document", err)
	}
}

func (d *RedisDocument) Ping(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return translate("ping redis", err)
	}
	return nil
}

func translate(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("%s: %v: %w", op, err, sentinel.ErrUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
