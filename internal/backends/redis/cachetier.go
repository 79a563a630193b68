package redis

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"astroguard/internal/ports"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
)

const cacheKeyNameTemplate = "_astro_cache_%s"

var enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
var dec, _ = zstd.NewReader(nil)

// CacheTier implements ports.CacheTier. Values are zstd compressed and base64-url encoded.
type CacheTier struct {
	cli *redis.Client
}

var _ ports.CacheTier = &CacheTier{}

func NewCacheTier(cli *redis.Client) *CacheTier {
	return &CacheTier{cli: cli}
}

func (t *CacheTier) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	name := getCacheKeyName(key)
	var get *redis.StringCmd
	var pttl *redis.DurationCmd
	_, err := t.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, name)
		pttl = p.PTTL(ctx, name)
		return nil
	})
	if err != nil && !isMiss(err) {
		return nil, 0, false, err
	}
	v, err := get.Result()
	if err != nil {
		if isMiss(err) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	// -1 (no expiry) never happens for keys written by Set; it is treated like an expired key.
	left := pttl.Val()
	if left <= 0 {
		return nil, 0, false, nil
	}
	b, err := decodeValue(v)
	if err != nil {
		return nil, 0, false, err
	}
	return b, left, true, nil
}

func (t *CacheTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return t.cli.Set(ctx, getCacheKeyName(key), encodeValue(value), ttl).Err()
}

func (t *CacheTier) Delete(ctx context.Context, key string) error {
	return t.cli.Del(ctx, getCacheKeyName(key)).Err()
}

// encodeValue compresses and base64-url encodes b.
func encodeValue(b []byte) string {
	c := enc.EncodeAll(b, make([]byte, 0, len(b)))
	return base64.RawURLEncoding.EncodeToString(c)
}

// decodeValue reverses encodeValue.
func decodeValue(in string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(in)
	if err != nil {
		return nil, fmt.Errorf("invalid cache value: %w", err)
	}
	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid cache value: %w", err)
	}
	return out, nil
}

func getCacheKeyName(key string) string {
	return fmt.Sprintf(cacheKeyNameTemplate, key)
}
