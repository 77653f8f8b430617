package engine

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	reservations metric.Int64Counter
	coupons      metric.Int64Counter
	transitions  metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.reservations, err = meter.Int64Counter("kart.reservation.decisions",
		metric.WithDescription("Reservation requests by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "reservation counter")
	}
	if m.coupons, err = meter.Int64Counter("kart.coupon.applications",
		metric.WithDescription("Coupon application attempts by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "coupon counter")
	}
	if m.transitions, err = meter.Int64Counter("kart.order.transitions",
		metric.WithDescription("Order status transitions"),
	); err != nil {
		return nil, errors.Wrap(err, "transition counter")
	}
	return &m, nil
}

func (m *metrics) reservation(ctx context.Context, granted bool) {
	result := "granted"
	if !granted {
		result = "rejected"
	}
	m.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *metrics) coupon(ctx context.Context, result string) {
	m.coupons.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *metrics) transition(ctx context.Context, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", to)))
}
