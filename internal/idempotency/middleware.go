package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Header names.
const (
	KeyHeader      = "Idempotency-Key"
	ReplayedHeader = "Idempotent-Replayed"
)

const maxKeyLen = 255

// Middleware stores the response of POST requests carrying an
// Idempotency-Key and replays it for retries within ttl. A retry that
// arrives while the first request is still running gets 409. Keys are
// scoped by scope(r), the request method and the path. Responses with a
// 5xx status are not stored. When the store fails the request is served
// without idempotency.
func Middleware(store Store, ttl time.Duration, scope func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idemKey := r.Header.Get(KeyHeader)
			if r.Method != http.MethodPost || idemKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(idemKey) > maxKeyLen {
				writeConflict(w, http.StatusBadRequest, "bad_request", "Idempotency-Key is too long")
				return
			}

			ctx := r.Context()
			lg := zctx.From(ctx).With(zap.String("idempotency_key", idemKey))
			key := storageKey(scope(r), r.Method, r.URL.Path, idemKey)

			state, stored, err := store.Load(ctx, key)
			if err != nil {
				lg.Warn("Idempotency store unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			switch state {
			case StateDone:
				replay(w, stored)
				return
			case StatePending:
				writeConflict(w, http.StatusConflict, "request_in_progress", "a request with this Idempotency-Key is in progress")
				return
			}

			reserved, err := store.Reserve(ctx, key, ttl)
			if err != nil {
				lg.Warn("Idempotency store unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				writeConflict(w, http.StatusConflict, "request_in_progress", "a request with this Idempotency-Key is in progress")
				return
			}

			rec := &recorder{header: http.Header{}}
			completed := false
			defer func() {
				if completed {
					return
				}
				// The handler panicked; free the key for a retry.
				if err := store.Release(context.WithoutCancel(ctx), key); err != nil {
					lg.Warn("Release idempotency key", zap.Error(err))
				}
			}()
			next.ServeHTTP(rec, r)
			completed = true

			resp := rec.response()
			storeCtx := context.WithoutCancel(ctx)
			if resp.Status >= http.StatusInternalServerError {
				if err := store.Release(storeCtx, key); err != nil {
					lg.Warn("Release idempotency key", zap.Error(err))
				}
			} else if err := store.Save(storeCtx, key, resp, ttl); err != nil {
				lg.Warn("Save idempotent response", zap.Error(err))
			}
			write(w, resp)
		})
	}
}

func storageKey(scope, method, path, key string) string {
	h := sha256.New()
	for _, part := range []string{scope, method, path, key} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func replay(w http.ResponseWriter, resp *Response) {
	w.Header().Set(ReplayedHeader, "true")
	write(w, resp)
}

func write(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeConflict(w http.ResponseWriter, status int, kind, msg string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Int(status)
	e.FieldStart("error")
	e.Str(kind)
	e.FieldStart("message")
	e.Str(msg)
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// recorder buffers a response so it can be stored before it is sent.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *recorder) Header() http.Header {
	return r.header
}

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(b)
}

func (r *recorder) response() *Response {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{
		Status: status,
		Header: r.header.Clone(),
		Body:   bytes.Clone(r.body.Bytes()),
	}
}
