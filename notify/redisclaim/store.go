// Package redisclaim keeps delivery records in Redis so that several
// engine processes sharing one Redis agree on who delivers what.
//
// Each record is a JSON document under "<prefix>:{<request>}:delivery:<audience>",
// and "<prefix>:{<request>}:deliveries" indexes the records of a request.
// The request ID is the hash tag, so every key a script touches lives in
// one cluster slot. Claims and completions run as Lua scripts, so the
// check and the write happen in one step on the server.
package redisclaim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/almoner"
	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/notify"
)

const defaultPrefix = "almoner"

// compile-time interface check
var _ notify.Store = (*Store)(nil)

// claimScript inserts a record, or reclaims a failed one.
// Returns {1, doc} when inserted, {2, doc} when reclaimed and {0, doc}
// when the existing record is pending or delivered.
var claimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  redis.call('SET', KEYS[1], ARGV[1])
  redis.call('SADD', KEYS[2], KEYS[1])
  return {1, ARGV[1]}
end
local rec = cjson.decode(cur)
if rec.status ~= 'failed' then
  return {0, cur}
end
rec.status = 'pending'
rec.attempts = rec.attempts + 1
rec.updated_at = ARGV[2]
local doc = cjson.encode(rec)
redis.call('SET', KEYS[1], doc)
return {2, doc}
`)

// completeScript overwrites the outcome fields of an existing record,
// leaving its attempt count and creation time as stored.
var completeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local rec = cjson.decode(cur)
local next = cjson.decode(ARGV[1])
next.attempts = rec.attempts
next.created_at = rec.created_at
redis.call('SET', KEYS[1], cjson.encode(next))
return 1
`)

// Store implements notify.Store on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the prefix of every key the store writes.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// New creates a Store over client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial parses a redis:// URL and creates a Store over a new client.
func Dial(url string, opts ...Option) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisclaim: parse url: %w", err)
	}
	return New(redis.NewClient(opt), opts...), nil
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) slot(requestID id.RequestID) string {
	return s.prefix + ":{" + requestID.String() + "}"
}

func (s *Store) recordKey(d *notify.Delivery) string {
	return s.slot(d.RequestID) + ":delivery:" + string(d.Audience)
}

func (s *Store) requestKey(requestID id.RequestID) string {
	return s.slot(requestID) + ":deliveries"
}

// idKey maps a delivery ID to its record key. It is written outside the
// claim script because it hashes to a different slot.
func (s *Store) idKey(deliveryID id.DeliveryID) string {
	return s.prefix + ":delivery-id:" + deliveryID.String()
}

// ClaimDelivery implements notify.Store.
func (s *Store) ClaimDelivery(ctx context.Context, d *notify.Delivery) (*notify.Delivery, error) {
	doc, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}

	key := s.recordKey(d)
	if err := s.client.Set(ctx, s.idKey(d.ID), key, 0).Err(); err != nil {
		return nil, fmt.Errorf("redisclaim: index %s: %w", d.ID, err)
	}
	res, err := claimScript.Run(ctx, s.client,
		[]string{key, s.requestKey(d.RequestID)},
		string(doc), d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("redisclaim: claim %s: %w", key, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redisclaim: claim %s: unexpected reply %v", key, res)
	}

	stored, err := decode(res[1])
	if err != nil {
		return nil, err
	}
	if stored.ID != d.ID {
		// The key already had a record; the index entry written for d
		// points nowhere.
		s.client.Del(ctx, s.idKey(d.ID))
	}
	if code, _ := res[0].(int64); code == 0 {
		return stored, notify.ErrAlreadyClaimed
	}
	return stored, nil
}

// CompleteDelivery implements notify.Store.
func (s *Store) CompleteDelivery(ctx context.Context, d *notify.Delivery) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	key := s.recordKey(d)
	n, err := completeScript.Run(ctx, s.client, []string{key}, string(doc)).Int()
	if err != nil {
		return fmt.Errorf("redisclaim: complete %s: %w", key, err)
	}
	if n == 0 {
		return almoner.ErrDeliveryNotFound
	}
	return nil
}

// GetDelivery implements notify.Store.
func (s *Store) GetDelivery(ctx context.Context, deliveryID id.DeliveryID) (*notify.Delivery, error) {
	key, err := s.client.Get(ctx, s.idKey(deliveryID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, almoner.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisclaim: get delivery: %w", err)
	}

	doc, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, almoner.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisclaim: get delivery: %w", err)
	}
	d, err := decode(doc)
	if err != nil {
		return nil, err
	}
	if d.ID != deliveryID {
		return nil, almoner.ErrDeliveryNotFound
	}
	return d, nil
}

// ListDeliveries implements notify.Store. Records are ordered by ID.
func (s *Store) ListDeliveries(ctx context.Context, requestID id.RequestID) ([]*notify.Delivery, error) {
	keys, err := s.client.SMembers(ctx, s.requestKey(requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisclaim: list deliveries: %w", err)
	}
	result := make([]*notify.Delivery, 0, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	docs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisclaim: list deliveries: %w", err)
	}
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		d, err := decode(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	slices.SortFunc(result, func(a, b *notify.Delivery) int {
		return a.ID.Compare(b.ID)
	})
	return result, nil
}

func decode(v any) (*notify.Delivery, error) {
	doc, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("redisclaim: unexpected record type %T", v)
	}
	var d notify.Delivery
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("redisclaim: decode record: %w", err)
	}
	return &d, nil
}
