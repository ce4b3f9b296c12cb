package service

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/25x8/referral-ledger/internal/referrals/models"
)

const meterName = "github.com/25x8/referral-ledger"

// Metrics records ledger activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	milestones   metric.Int64Counter
	credited     metric.Float64Counter
	referrals    metric.Int64Counter
	payouts      metric.Int64Counter
	settlements  metric.Int64Counter
	txConflicts  metric.Int64Counter
	payoutAmount metric.Float64Histogram
}

// NewMetrics registers the ledger instruments on meter, or on the global provider when meter is nil
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	var (
		m   Metrics
		err error
	)
	if m.milestones, err = meter.Int64Counter("referrals.milestones.completed",
		metric.WithDescription("Milestones completed by status advances")); err != nil {
		return nil, err
	}
	if m.credited, err = meter.Float64Counter("referrals.earnings.credited",
		metric.WithDescription("Earnings credited to referrer accounts"),
		metric.WithUnit("USD")); err != nil {
		return nil, err
	}
	if m.referrals, err = meter.Int64Counter("referrals.tracking.started",
		metric.WithDescription("Referral tracking records created")); err != nil {
		return nil, err
	}
	if m.payouts, err = meter.Int64Counter("referrals.payouts.requested",
		metric.WithDescription("Payout requests accepted")); err != nil {
		return nil, err
	}
	if m.settlements, err = meter.Int64Counter("referrals.payouts.settled",
		metric.WithDescription("Payout status transitions")); err != nil {
		return nil, err
	}
	if m.txConflicts, err = meter.Int64Counter("referrals.tx.conflicts",
		metric.WithDescription("Transactions retried after a store conflict")); err != nil {
		return nil, err
	}
	if m.payoutAmount, err = meter.Float64Histogram("referrals.payouts.amount",
		metric.WithDescription("Requested payout amounts"),
		metric.WithUnit("USD")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) milestone(ctx context.Context, status models.Status, amount decimal.Decimal) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	m.milestones.Add(ctx, 1, attrs)
	m.credited.Add(ctx, amount.InexactFloat64(), attrs)
}

func (m *Metrics) referralStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.referrals.Add(ctx, 1)
}

func (m *Metrics) payoutRequested(ctx context.Context, method models.PayoutMethod, amount decimal.Decimal) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("method", string(method)))
	m.payouts.Add(ctx, 1, attrs)
	m.payoutAmount.Record(ctx, amount.InexactFloat64(), attrs)
}

func (m *Metrics) payoutSettled(ctx context.Context, status models.PayoutStatus) {
	if m == nil {
		return
	}
	m.settlements.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *Metrics) conflict(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.txConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
