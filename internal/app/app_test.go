//go:build integration

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-engine/internal/domain/auth"
	"github.com/xenking/kart-engine/internal/domain/catalog"
	"github.com/xenking/kart-engine/internal/domain/coupon"
	"github.com/xenking/kart-engine/internal/idempotency"
	"github.com/xenking/kart-engine/internal/storage/postgres"
)

const (
	testPepper = "test-pepper-for-integration"
	cartKey    = "integration-cart-key"
	adminKey   = "integration-admin-key"
)

var (
	baseURL    string
	httpClient *http.Client
	testPool   *pgxpool.Pool
	seq        atomic.Int64
)

// --- Mock implementations ---

type noopTelemetry struct{}

func (noopTelemetry) TracerProvider() trace.TracerProvider { return tracenoop.NewTracerProvider() }
func (noopTelemetry) MeterProvider() metric.MeterProvider  { return metricnoop.NewMeterProvider() }

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("kart"),
		tcpostgres.WithUsername("kart"),
		tcpostgres.WithPassword("kart"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		log.Printf("start postgres: %v", err)
		return 1
	}
	defer func() { _ = pg.Terminate(context.Background()) }()

	databaseURL, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Printf("connection string: %v", err)
		return 1
	}

	rc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		log.Printf("start redis: %v", err)
		return 1
	}
	defer func() { _ = rc.Terminate(context.Background()) }()

	redisAddr, err := rc.Endpoint(ctx, "")
	if err != nil {
		log.Printf("redis endpoint: %v", err)
		return 1
	}

	addr, err := freeAddr()
	if err != nil {
		log.Printf("free port: %v", err)
		return 1
	}

	cfg := &Config{
		Addr:         addr,
		DatabaseURL:  databaseURL,
		APIKeyPepper: testPepper,
		Store:        StoreConfig{Timeout: 10 * time.Second},
		Redis:        RedisConfig{Addr: redisAddr, IdempotencyTTL: time.Hour},
		Outbox:       OutboxConfig{Interval: time.Second, BatchSize: 100, MaxBacklog: 10000, MaxAttempts: 3},
		RateLimit:    RateLimitConfig{Max: 10000, Window: time.Minute},
		CORS:         CORSConfig{Origins: []string{"*"}},
		Graceful:     GracefulConfig{ShutdownTimeout: 5 * time.Second},
	}
	if err := cfg.validate(); err != nil {
		log.Printf("config: %v", err)
		return 1
	}

	lg := zap.NewNop()
	runCtx, stop := context.WithCancel(zctx.Base(context.Background(), lg))
	done := make(chan error, 1)
	go func() { done <- Run(runCtx, lg, noopTelemetry{}, cfg) }()
	defer func() {
		stop()
		if err := <-done; err != nil {
			log.Printf("app stopped: %v", err)
		}
	}()

	baseURL = "http://" + addr
	httpClient = &http.Client{Timeout: 10 * time.Second}

	if err := waitReady(ctx, done); err != nil {
		log.Printf("wait for readiness: %v", err)
		return 1
	}

	testPool, err = postgres.NewPool(ctx, databaseURL)
	if err != nil {
		log.Printf("connect: %v", err)
		return 1
	}
	defer testPool.Close()

	if err := seedKeys(ctx); err != nil {
		log.Printf("seed keys: %v", err)
		return 1
	}

	return m.Run()
}

// --- Helpers ---

func freeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().String(), nil
}

// waitReady polls /readyz until the app reports ready or exits.
func waitReady(ctx context.Context, done <-chan error) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var lastErr string
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out (last: %s): %w", lastErr, ctx.Err())
		case err := <-done:
			return fmt.Errorf("app exited early: %v", err)
		case <-ticker.C:
			resp, err := httpClient.Get(baseURL + "/readyz")
			if err != nil {
				lastErr = err.Error()
				continue
			}
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Sprintf("status %d", resp.StatusCode)
		}
	}
}

func seedKeys(ctx context.Context) error {
	admin := postgres.NewAdmin(testPool)
	for _, k := range []auth.APIKeyInfo{
		{ID: "cart", KeyHash: auth.HashKey(cartKey, testPepper), Name: "cart", Scopes: []string{auth.ScopeCart}},
		{ID: "admin", KeyHash: auth.HashKey(adminKey, testPepper), Name: "admin", Scopes: []string{auth.ScopeAdmin}},
	} {
		if err := admin.UpsertAPIKey(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// seedCatalog creates a product sold in "pcs" at 10.00 less 20% and a
// coupon worth 10% usable once per customer. It returns their IDs.
func seedCatalog(t *testing.T, stock int) (productID, couponCode string) {
	t.Helper()
	ctx := context.Background()
	n := seq.Add(1)
	productID = fmt.Sprintf("widget-%d", n)
	couponCode = fmt.Sprintf("SAVE%d", n)
	admin := postgres.NewAdmin(testPool)

	require.NoError(t, admin.UpsertUnits(ctx, []catalog.Unit{{ID: "pcs", Name: "Piece"}}))
	discount := decimal.RequireFromString("0.2")
	require.NoError(t, admin.UpsertProduct(ctx,
		catalog.Product{ID: productID, Name: "Widget", QuantityOnStock: stock, BasicUnitID: "pcs"},
		[]string{"pcs"},
		[]catalog.PriceListEntry{{
			ProductID: productID,
			UnitID:    "pcs",
			Price:     decimal.RequireFromString("10.00"),
			Discount:  &discount,
			ValidFrom: time.Now().Add(-time.Hour),
			ValidTo:   time.Now().Add(24 * time.Hour),
		}},
	))
	require.NoError(t, admin.UpsertCoupons(ctx, []coupon.Coupon{{
		Code:       couponCode,
		Name:       "10% off",
		Discount:   decimal.RequireFromString("0.10"),
		UsageLimit: 1,
		ValidFrom:  time.Now().Add(-time.Hour),
		ValidTo:    time.Now().Add(24 * time.Hour),
	}}))
	return productID, couponCode
}

func customer() string {
	return fmt.Sprintf("shopper%d@example.com", seq.Add(1))
}

// call sends a request and decodes a JSON object response.
func call(t *testing.T, method, path, apiKey string, body any, header ...string) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, baseURL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("api_key", apiKey)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

// --- Tests ---

func TestHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/livez", "/readyz"} {
		resp, body := call(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "ok", body["status"], path)
	}
}

func TestAuthentication(t *testing.T) {
	resp, body := call(t, http.MethodGet, "/api/carts/"+customer(), "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])

	resp, _ = call(t, http.MethodGet, "/api/carts/"+customer(), "wrong-key", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = call(t, http.MethodPost, "/api/orders/missing/ship", cartKey, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", body["error"])

	resp, _ = call(t, http.MethodPost, "/api/orders/missing/ship", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheckoutFlow(t *testing.T) {
	productID, code := seedCatalog(t, 5)
	email := customer()
	cartPath := "/api/carts/" + email

	resp, item := call(t, http.MethodPost, cartPath+"/items", cartKey, map[string]any{"productId": productID, "quantity": 3})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, 8, item["unitPrice"])
	assert.EqualValues(t, 24, item["lineTotal"])

	resp, cart := call(t, http.MethodPut, cartPath+"/coupon", cartKey, map[string]any{"code": code})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 21.6, cart["totalPrice"], 1e-9)

	resp, cart = call(t, http.MethodDelete, cartPath+"/coupon", cartKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 24, cart["totalPrice"])

	resp, body := call(t, http.MethodPut, cartPath+"/coupon", cartKey, map[string]any{"code": code})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "usage_limit_exceeded", body["reason"])

	resp, body = call(t, http.MethodPost, cartPath+"/items", cartKey, map[string]any{"productId": productID, "quantity": 3})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.EqualValues(t, 2, body["available"])

	resp, placed := call(t, http.MethodPost, cartPath+"/place", cartKey, map[string]any{"paymentMethod": "CASH", "shippingAddress": "1 Main St"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PLACED", placed["status"])
	assert.EqualValues(t, 24, placed["totalPrice"])

	_, res := call(t, http.MethodGet, "/api/reservations/"+productID+"/pcs", cartKey, nil)
	assert.EqualValues(t, 0, res["tentative"])
	assert.EqualValues(t, 3, res["committed"])

	resp, shipped := call(t, http.MethodPost, "/api/orders/"+placed["id"].(string)+"/ship", adminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SHIPPED", shipped["status"])

	_, res = call(t, http.MethodGet, "/api/reservations/"+productID+"/pcs", cartKey, nil)
	assert.EqualValues(t, 2, res["onStock"])
	assert.EqualValues(t, 0, res["committed"])

	// A new cart is opened after placement.
	_, fresh := call(t, http.MethodGet, cartPath, cartKey, nil)
	assert.Equal(t, "CART", fresh["status"])
	assert.NotEqual(t, placed["id"], fresh["id"])
}

func TestIdempotentAddItem(t *testing.T) {
	productID, _ := seedCatalog(t, 10)
	path := "/api/carts/" + customer() + "/items"
	req := map[string]any{"productId": productID, "quantity": 2}

	first, item := call(t, http.MethodPost, path, cartKey, req, idempotency.KeyHeader, "retry-1")
	require.Equal(t, http.StatusCreated, first.StatusCode)
	assert.Empty(t, first.Header.Get(idempotency.ReplayedHeader))

	second, replayed := call(t, http.MethodPost, path, cartKey, req, idempotency.KeyHeader, "retry-1")
	require.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get(idempotency.ReplayedHeader))
	assert.Equal(t, item, replayed)

	_, res := call(t, http.MethodGet, "/api/reservations/"+productID+"/pcs", cartKey, nil)
	assert.EqualValues(t, 2, res["tentative"])

	third, _ := call(t, http.MethodPost, path, cartKey, req, idempotency.KeyHeader, "retry-2")
	require.Equal(t, http.StatusCreated, third.StatusCode)
	_, res = call(t, http.MethodGet, "/api/reservations/"+productID+"/pcs", cartKey, nil)
	assert.EqualValues(t, 4, res["tentative"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	resp, _ := call(t, http.MethodGet, "/livez", "", nil, "X-Request-ID", "trace-me-123")
	assert.Equal(t, "trace-me-123", resp.Header.Get("X-Request-ID"))
}
