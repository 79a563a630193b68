package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"astroguard/internal/ports"

	"github.com/redis/go-redis/v9"
)

const (
	windowKeyNameTemplate = "_astro_rwin_%s_%s"
	indexKeyNameTemplate  = "_astro_ridx_%s"
	servicesIndexKeyName  = "_astro_rsvc"
	fieldCount            = "count"
	fieldResetAt          = "reset_at"
)

// hitScript admits one request into the window at KEYS[1].
// ARGV: now (ms), window (ms), max, identifier, service.
// Returns {admitted, count, reset_at}.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset_at') or '0')
if reset <= now then
  reset = now + tonumber(ARGV[2])
  redis.call('HSET', KEYS[1], 'count', 1, 'reset_at', reset)
  redis.call('PEXPIREAT', KEYS[1], reset)
  redis.call('SADD', KEYS[2], ARGV[4])
  redis.call('SADD', KEYS[3], ARGV[5])
  return {1, 1, reset}
end
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if count < tonumber(ARGV[3]) then
  count = redis.call('HINCRBY', KEYS[1], 'count', 1)
  return {1, count, reset}
end
return {0, count, reset}
`)

// releaseScript decrements a live window, never below zero.
var releaseScript = redis.NewScript(`
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset_at') or '0')
if reset <= tonumber(ARGV[1]) then
  return 0
end
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if count <= 0 then
  return 0
end
return redis.call('HINCRBY', KEYS[1], 'count', -1)
`)

// WindowStore implements ports.WindowStore with one hash per window and a set of identifiers per service.
// Quotas are shared by every process using the same Redis.
type WindowStore struct {
	cli *redis.Client
}

var _ ports.WindowStore = &WindowStore{}

func NewWindowStore(cli *redis.Client) *WindowStore {
	return &WindowStore{cli: cli}
}

func (s *WindowStore) Hit(ctx context.Context, service, identifier string, max int, window time.Duration, now time.Time) (ports.Window, bool, error) {
	keys := []string{getWindowKeyName(service, identifier), getIndexKeyName(service), servicesIndexKeyName}
	res, err := hitScript.Run(ctx, s.cli, keys, now.UnixMilli(), window.Milliseconds(), max, identifier, service).Int64Slice()
	if err != nil {
		return ports.Window{}, false, err
	}
	if len(res) != 3 {
		return ports.Window{}, false, fmt.Errorf("unexpected hit reply: %v", res)
	}
	w := ports.Window{Count: int(res[1]), ResetAt: time.UnixMilli(res[2])}
	return w, res[0] == 1, nil
}

func (s *WindowStore) Release(ctx context.Context, service, identifier string, now time.Time) error {
	return releaseScript.Run(ctx, s.cli, []string{getWindowKeyName(service, identifier)}, now.UnixMilli()).Err()
}

func (s *WindowStore) List(ctx context.Context, service string) (map[string]ports.Window, error) {
	ids, err := s.cli.SMembers(ctx, getIndexKeyName(service)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]ports.Window, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, getWindowKeyName(service, id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var stale []any
	for i, id := range ids {
		m := cmds[i].Val()
		if len(m) == 0 {
			stale = append(stale, id)
			continue
		}
		w, err := parseWindow(m)
		if err != nil {
			return nil, err
		}
		out[id] = w
	}
	if len(stale) > 0 {
		// windows that Redis already expired
		if err := s.cli.SRem(ctx, getIndexKeyName(service), stale...).Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *WindowStore) Delete(ctx context.Context, service, identifier string) error {
	_, err := s.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, getWindowKeyName(service, identifier))
		p.SRem(ctx, getIndexKeyName(service), identifier)
		return nil
	})
	return err
}

func (s *WindowStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	services, err := s.cli.SMembers(ctx, servicesIndexKeyName).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, service := range services {
		windows, err := s.List(ctx, service)
		if err != nil {
			return removed, err
		}
		for id, w := range windows {
			if !w.Expired(now) {
				continue
			}
			if err := s.Delete(ctx, service, id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *WindowStore) ClearAll(ctx context.Context) error {
	services, err := s.cli.SMembers(ctx, servicesIndexKeyName).Result()
	if err != nil {
		return err
	}
	for _, service := range services {
		ids, err := s.cli.SMembers(ctx, getIndexKeyName(service)).Result()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(ids)+1)
		for _, id := range ids {
			keys = append(keys, getWindowKeyName(service, id))
		}
		keys = append(keys, getIndexKeyName(service))
		if err := s.cli.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	return s.cli.Del(ctx, servicesIndexKeyName).Err()
}

func parseWindow(m map[string]string) (ports.Window, error) {
	count, err := strconv.Atoi(m[fieldCount])
	if err != nil {
		return ports.Window{}, fmt.Errorf("invalid count: %w", err)
	}
	resetAt, err := strconv.ParseInt(m[fieldResetAt], 10, 64)
	if err != nil {
		return ports.Window{}, fmt.Errorf("invalid reset_at: %w", err)
	}
	return ports.Window{Count: count, ResetAt: time.UnixMilli(resetAt)}, nil
}

func getWindowKeyName(service, identifier string) string {
	return fmt.Sprintf(windowKeyNameTemplate, service, identifier)
}

func getIndexKeyName(service string) string {
	return fmt.Sprintf(indexKeyNameTemplate, service)
}

// isMiss reports whether err is the redis "no such key" reply.
func isMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}
