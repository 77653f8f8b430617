// Package engine implements the cart reservation and pricing engine: price
// resolution, the stock reservation ledger, cart mutation, coupon
// application and order placement.
//
// Every operation runs as a single store transaction. Reservations are
// serialized per (product, unit) and coupon usage per (customer, code) by row
// locks taken inside that transaction, so concurrent requests never oversell
// stock or exceed a usage limit.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/kart-engine/internal/domain/coupon"
	"github.com/xenking/kart-engine/internal/domain/order"
)

const instrumentationName = "github.com/xenking/kart-engine/internal/engine"

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTimeout bounds every store transaction.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithTracerProvider sets the tracer provider used for operation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider used for engine counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// Engine bundles the engine components over one Store.
type Engine struct {
	Prices      *PriceResolver
	Ledger      *ReservationLedger
	Carts       *CartManager
	Coupons     *CouponApplier
	Orders      *OrderPlacer
	Fulfillment *Fulfillment

	store     Store
	now       func() time.Time
	timeout   time.Duration
	validator *coupon.Validator

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	metrics        *metrics
}

// New creates an Engine backed by store.
func New(store Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:          store,
		now:            time.Now,
		timeout:        3 * time.Second,
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}
	for _, o := range opts {
		o(e)
	}

	e.tracer = e.tracerProvider.Tracer(instrumentationName)
	m, err := newMetrics(e.meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	e.metrics = m
	e.validator = coupon.NewValidatorWithClock(e.clock)

	e.Prices = &PriceResolver{e: e}
	e.Ledger = &ReservationLedger{e: e}
	e.Carts = &CartManager{e: e}
	e.Coupons = &CouponApplier{e: e}
	e.Orders = &OrderPlacer{e: e}
	e.Fulfillment = &Fulfillment{e: e}
	return e, nil
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// tx runs fn in one store transaction bounded by the engine timeout.
func (e *Engine) tx(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	ctx, span := e.tracer.Start(ctx, "engine."+op)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	err := classify(op, e.store.Tx(ctx, fn))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// NormalizeCustomer lower-cases an email and checks it looks like one.
func NormalizeCustomer(customer string) (string, error) {
	c := strings.ToLower(strings.TrimSpace(customer))
	at := strings.IndexByte(c, '@')
	if at <= 0 || at == len(c)-1 {
		return c, &order.ValidationError{Field: "customer", Reason: "must be an email address"}
	}
	return c, nil
}
