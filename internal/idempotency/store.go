// Package idempotency replays the stored response of a retried POST that
// carries an Idempotency-Key header.
package idempotency

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// State of an idempotency key.
type State int

const (
	// StateNew means the key has not been seen.
	StateNew State = iota
	// StatePending means a request with the key is being served.
	StatePending
	// StateDone means a response is stored for the key.
	StateDone
)

// Response is a stored HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store persists idempotency keys.
type Store interface {
	// Reserve marks key pending unless it already exists.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Load(ctx context.Context, key string) (State, *Response, error)
	Save(ctx context.Context, key string, resp *Response, ttl time.Duration) error
	// Release forgets a pending key so the request can be retried.
	Release(ctx context.Context, key string) error
}

var _ Store = (*RedisStore)(nil)

// RedisStore keeps idempotency keys in Redis.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore returns a RedisStore that prefixes every key with "idem:".
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "idem:"}
}

func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.prefix+key, pendingMarker, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "reserve key")
	}
	return ok, nil
}

func (s *RedisStore) Load(ctx context.Context, key string) (State, *Response, error) {
	data, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return StateNew, nil, nil
	case err != nil:
		return StateNew, nil, errors.Wrap(err, "load key")
	case string(data) == pendingMarker:
		return StatePending, nil, nil
	}
	resp, err := decodeResponse(data)
	if err != nil {
		return StateNew, nil, errors.Wrap(err, "decode stored response")
	}
	return StateDone, resp, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, resp *Response, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.prefix+key, encodeResponse(resp), ttl).Err(); err != nil {
		return errors.Wrap(err, "save response")
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Wrap(err, "release key")
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func encodeResponse(r *Response) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("status")
	e.Int(r.Status)
	e.FieldStart("header")
	e.ObjStart()
	for k, vs := range r.Header {
		e.FieldStart(k)
		e.ArrStart()
		for _, v := range vs {
			e.Str(v)
		}
		e.ArrEnd()
	}
	e.ObjEnd()
	e.FieldStart("body")
	e.Base64(r.Body)
	e.ObjEnd()
	return e.Bytes()
}

func decodeResponse(data []byte) (*Response, error) {
	r := &Response{Header: http.Header{}}
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "status":
			r.Status, err = d.Int()
		case "header":
			err = d.Obj(func(d *jx.Decoder, name string) error {
				return d.Arr(func(d *jx.Decoder) error {
					v, err := d.Str()
					if err != nil {
						return err
					}
					r.Header.Add(name, v)
					return nil
				})
			})
		case "body":
			r.Body, err = d.Base64()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}
