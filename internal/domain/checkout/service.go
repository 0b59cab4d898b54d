package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/checkout-engine/internal/domain/discount"
	"github.com/xenking/checkout-engine/internal/domain/failure"
	"github.com/xenking/checkout-engine/internal/domain/ledger"
	"github.com/xenking/checkout-engine/internal/domain/product"
)

// DefaultHoldTTL is how long Price keeps its holds.
const DefaultHoldTTL = 15 * time.Minute

// Ledger is the subset of ledger.Service used by checkout.
type Ledger interface {
	Hold(ctx context.Context, req ledger.HoldRequest) (ledger.Reservation, error)
	CommitAll(ctx context.Context, reservationIDs []string) error
	Release(ctx context.Context, reservationID string, reason ledger.ReleaseReason) (bool, error)
	MakePermanent(ctx context.Context, reservationID string) error
}

// Reservations looks reservations up by owning order.
type Reservations interface {
	FindByOwner(ctx context.Context, orderID string) ([]ledger.Reservation, error)
	FindActiveByOwner(ctx context.Context, orderID string, now time.Time) ([]ledger.Reservation, error)
}

// VoucherValidator resolves and validates a voucher code for a user.
type VoucherValidator interface {
	Validate(ctx context.Context, code, userID string, orderAmount decimal.Decimal) (*discount.Voucher, error)
}

// Service is the order pricing pipeline.
type Service struct {
	ledger       Ledger
	reservations Reservations
	products     product.Repository
	rules        discount.RuleSource
	vouchers     VoucherValidator

	fees    FeeSchedule
	holdTTL time.Duration
	now     func() time.Time
	lg      *zap.Logger
	tracer  trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithHoldTTL sets the expiry of holds taken by Price.
func WithHoldTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.holdTTL = ttl
		}
	}
}

// WithFees overrides the shipping and tax schedule.
func WithFees(f FeeSchedule) Option {
	return func(s *Service) { s.fees = f }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(lg *zap.Logger) Option {
	return func(s *Service) { s.lg = lg }
}

// WithTracer sets the tracer used for pipeline spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// NewService creates a checkout Service.
func NewService(
	l Ledger,
	reservations Reservations,
	products product.Repository,
	rules discount.RuleSource,
	vouchers VoucherValidator,
	opts ...Option,
) *Service {
	s := &Service{
		ledger:       l,
		reservations: reservations,
		products:     products,
		rules:        rules,
		vouchers:     vouchers,
		fees:         DefaultFees(),
		holdTTL:      DefaultHoldTTL,
		now:          func() time.Time { return time.Now().UTC() },
		lg:           zap.NewNop(),
		tracer:       noop.NewTracerProvider().Tracer("checkout"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// attempt tracks the holds acquired by one Price call.
type attempt struct {
	id      string
	orderID string
	stage   Stage
	held    []ledger.Reservation
	span    trace.Span
}

func (a *attempt) enter(st Stage) {
	a.stage = st
	a.span.AddEvent("stage", trace.WithAttributes(attribute.String("checkout.stage", string(st))))
}

// Price holds stock for every line in draft order, then one voucher slot,
// and prices the order. Holds left by an earlier Price of the same order are
// released first, so only the latest pricing holds capacity. Any failure
// releases every hold acquired so far before the error is returned.
func (s *Service) Price(ctx context.Context, d Draft) (_ *PricedOrder, rerr error) {
	if d.OrderID == "" {
		d.OrderID = uuid.NewString()
	}
	ctx, span := s.tracer.Start(ctx, "checkout.Price", trace.WithAttributes(
		attribute.String("order.id", d.OrderID),
		attribute.Int("order.items", len(d.Items)),
	))
	defer span.End()

	a := &attempt{id: uuid.NewString(), orderID: d.OrderID, span: span}
	a.enter(StageStart)
	lg := s.lg.With(zap.String("order_id", d.OrderID))

	defer func() {
		if rerr == nil {
			return
		}
		span.RecordError(rerr)
		span.SetStatus(codes.Error, rerr.Error())
		s.rollback(ctx, lg, a)
		lg.Info("Price failed",
			zap.String("stage", string(a.stage)),
			zap.String("kind", string(failure.KindOf(rerr))),
			zap.Error(rerr),
		)
	}()

	variants, err := s.loadVariants(ctx, d)
	if err != nil {
		return nil, err
	}
	if err := s.supersede(ctx, lg, d.OrderID); err != nil {
		return nil, err
	}

	a.enter(StageHoldingStock)
	lines := make([]Line, len(d.Items))
	for i, item := range d.Items {
		r, err := s.ledger.Hold(ctx, ledger.HoldRequest{
			ResourceID:   ledger.StockResource(item.VariantID),
			Quantity:     item.Quantity,
			OwnerOrderID: d.OrderID,
			AttemptID:    a.id,
			TTL:          s.holdTTL,
		})
		if err != nil {
			return nil, err
		}
		a.held = append(a.held, r)

		price := variants[item.VariantID].Price
		lines[i] = Line{
			VariantID:     item.VariantID,
			Quantity:      item.Quantity,
			UnitPrice:     price,
			Subtotal:      price.Mul(decimal.NewFromInt(int64(item.Quantity))),
			Discount:      decimal.Zero,
			ReservationID: r.ID,
		}
	}

	rules, err := s.rules.RulesForVariants(ctx, variantIDs(d.Items))
	if err != nil {
		return nil, errors.Wrap(err, "load promotion rules")
	}

	now := s.now()
	out := &PricedOrder{
		OrderID:         d.OrderID,
		Lines:           lines,
		Subtotal:        decimal.Zero,
		ItemDiscount:    decimal.Zero,
		VoucherDiscount: decimal.Zero,
		ShippingMethod:  d.ShippingMethod,
	}
	for i := range lines {
		ld := discount.ComputeItemDiscount(now, discount.ItemInput{
			VariantID: lines[i].VariantID,
			UnitPrice: lines[i].UnitPrice,
			Quantity:  lines[i].Quantity,
		}, rules)
		lines[i].Discount = ld.Amount
		if ld.Rule != nil {
			lines[i].AppliedRuleID = ld.Rule.ID
		}
		out.Subtotal = out.Subtotal.Add(lines[i].Subtotal)
		out.ItemDiscount = out.ItemDiscount.Add(lines[i].Discount)
	}
	afterPromotions := out.Subtotal.Sub(out.ItemDiscount)

	if d.VoucherCode != "" {
		a.enter(StageHoldingVoucher)
		v, err := s.vouchers.Validate(ctx, d.VoucherCode, d.UserID, afterPromotions)
		if err != nil {
			return nil, err
		}
		r, err := s.ledger.Hold(ctx, ledger.HoldRequest{
			ResourceID:   ledger.VoucherResource(v.Code),
			Quantity:     1,
			OwnerOrderID: d.OrderID,
			OwnerUserID:  d.UserID,
			AttemptID:    a.id,
			TTL:          s.holdTTL,
		})
		if err != nil {
			if failure.KindOf(err) == failure.KindInsufficientCapacity {
				// Lost the last slot to a concurrent checkout after validation.
				return nil, failure.VoucherInvalid(v.Code, failure.VoucherUsageLimitReached, "Voucher usage limit exceeded")
			}
			return nil, err
		}
		a.held = append(a.held, r)
		out.VoucherCode = v.Code
		out.VoucherDiscount = discount.ComputeVoucherDiscount(v, afterPromotions)
	}

	taxable := afterPromotions.Sub(out.VoucherDiscount)
	out.ShippingFee = s.fees.Shipping(d.ShippingMethod, afterPromotions)
	out.TaxAmount = s.fees.Tax(taxable)
	out.FinalAmount = taxable.Add(out.ShippingFee).Add(out.TaxAmount)
	if out.FinalAmount.IsNegative() {
		out.FinalAmount = decimal.Zero
	}

	a.enter(StagePriced)
	out.Stage = StagePriced
	out.Reservations = a.held
	out.ExpiresAt = now.Add(s.holdTTL)

	span.SetAttributes(attribute.String("order.final_amount", out.FinalAmount.String()))
	lg.Debug("Order priced",
		zap.Int("holds", len(a.held)),
		zap.String("final_amount", out.FinalAmount.String()),
	)
	return out, nil
}

func (s *Service) loadVariants(ctx context.Context, d Draft) (map[string]product.Variant, error) {
	if len(d.Items) == 0 {
		return nil, failure.InvalidInput("items required")
	}
	for _, item := range d.Items {
		if item.VariantID == "" {
			return nil, failure.InvalidInput("variant id is required")
		}
		if item.Quantity <= 0 {
			return nil, &failure.Error{
				Kind:       failure.KindInvalidInput,
				ResourceID: ledger.StockResource(item.VariantID),
				Detail:     "quantity must be greater than 0",
			}
		}
	}

	fetched, err := s.products.GetByIDs(ctx, variantIDs(d.Items))
	if err != nil {
		return nil, errors.Wrap(err, "get variants")
	}
	byID := make(map[string]product.Variant, len(fetched))
	for _, v := range fetched {
		byID[v.ID] = v
	}
	for _, item := range d.Items {
		if _, ok := byID[item.VariantID]; !ok {
			return nil, failure.NotFound(ledger.StockResource(item.VariantID), "variant "+item.VariantID+" not found")
		}
	}
	return byID, nil
}

// supersede releases the holds an earlier Price left on the order.
func (s *Service) supersede(ctx context.Context, lg *zap.Logger, orderID string) error {
	all, err := s.reservations.FindByOwner(ctx, orderID)
	if err != nil {
		return errors.Wrap(err, "find reservations")
	}
	n := 0
	for _, r := range all {
		if r.State != ledger.StateReserved {
			continue
		}
		ok, err := s.ledger.Release(ctx, r.ID, ledger.ReleaseSuperseded)
		if err != nil {
			return errors.Wrapf(err, "release superseded hold %s", r.ID)
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		lg.Info("Superseded earlier holds", zap.Int("released", n))
	}
	return nil
}

// rollback releases the attempt's holds in reverse order. It runs on a
// context detached from cancellation so an aborted request cannot leak holds.
func (s *Service) rollback(ctx context.Context, lg *zap.Logger, a *attempt) {
	if len(a.held) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for i := len(a.held) - 1; i >= 0; i-- {
		r := a.held[i]
		if _, err := s.ledger.Release(ctx, r.ID, ledger.ReleaseRollback); err != nil {
			lg.Error("Rollback release failed",
				zap.String("reservation_id", r.ID),
				zap.String("resource_id", r.ResourceID),
				zap.Error(err),
			)
		}
	}
	a.enter(StageReleased)
}

// Confirm commits every reservation of the order's latest pricing as one
// unit. If any of its holds is gone (expired, reaped or cancelled) nothing is
// committed and ReservationExpired is returned; the caller has to price again.
func (s *Service) Confirm(ctx context.Context, orderID string) error {
	ctx, span := s.tracer.Start(ctx, "checkout.Confirm", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()
	lg := s.lg.With(zap.String("order_id", orderID))

	all, err := s.reservations.FindByOwner(ctx, orderID)
	if err != nil {
		return errors.Wrap(err, "find reservations")
	}
	current := latestAttempt(all)

	now := s.now()
	var (
		pending   []string
		confirmed bool
	)
	for _, r := range current {
		switch {
		case r.State == ledger.StateConfirmed:
			confirmed = true
		case r.State == ledger.StateReleased && r.ReleaseReason == ledger.ReleaseRollback:
			// Left over from a failed Price attempt.
		case r.State == ledger.StateReleased:
			return s.confirmFailed(span, failure.ReservationExpired(r.ID, "reservation was "+string(r.ReleaseReason)))
		case r.Expired(now):
			return s.confirmFailed(span, failure.ReservationExpired(r.ID, "hold expired at "+r.ExpiresAt.Format(time.RFC3339)))
		default:
			pending = append(pending, r.ID)
		}
	}
	if len(pending) == 0 && !confirmed {
		return s.confirmFailed(span, failure.ReservationExpired("", "no reservations for order "+orderID))
	}

	if err := s.ledger.CommitAll(ctx, pending); err != nil {
		var fe *failure.Error
		if errors.As(err, &fe) && fe.Kind == failure.KindReservationNotActive {
			err = failure.ReservationExpired(fe.ReservationID, "reservation was reclaimed")
		}
		lg.Warn("Commit failed", zap.Error(err))
		return s.confirmFailed(span, err)
	}

	span.AddEvent("stage", trace.WithAttributes(attribute.String("checkout.stage", string(StageConfirmed))))
	lg.Info("Order confirmed", zap.Int("committed", len(pending)))
	return nil
}

func (s *Service) confirmFailed(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// latestAttempt returns the reservations of the order's most recent Price.
// rs is ordered by ReservedAt. Superseded holds never belong to it.
func latestAttempt(rs []ledger.Reservation) []ledger.Reservation {
	id, found := "", false
	for _, r := range rs {
		if r.State == ledger.StateReleased && r.ReleaseReason == ledger.ReleaseSuperseded {
			continue
		}
		id, found = r.AttemptID, true
	}
	if !found {
		return nil
	}
	var out []ledger.Reservation
	for _, r := range rs {
		if r.AttemptID == id && r.ReleaseReason != ledger.ReleaseSuperseded {
			out = append(out, r)
		}
	}
	return out
}

// Cancel releases every reservation of the order still RESERVED. Release
// failures are logged and do not fail the call.
func (s *Service) Cancel(ctx context.Context, orderID string) error {
	ctx, span := s.tracer.Start(ctx, "checkout.Cancel", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()
	lg := s.lg.With(zap.String("order_id", orderID))

	all, err := s.reservations.FindByOwner(ctx, orderID)
	if err != nil {
		return errors.Wrap(err, "find reservations")
	}

	released := 0
	for _, r := range all {
		if r.State != ledger.StateReserved {
			continue
		}
		ok, err := s.ledger.Release(ctx, r.ID, ledger.ReleaseCancelled)
		if err != nil {
			lg.Error("Cancel release failed", zap.String("reservation_id", r.ID), zap.Error(err))
			continue
		}
		if ok {
			released++
		}
	}

	span.AddEvent("stage", trace.WithAttributes(attribute.String("checkout.stage", string(StageReleased))))
	lg.Info("Order cancelled", zap.Int("released", released))
	return nil
}

// Extend makes every active hold of the order permanent. Used once a
// cash-on-delivery order is placed: its holds then end only by Confirm or
// Cancel.
func (s *Service) Extend(ctx context.Context, orderID string) error {
	ctx, span := s.tracer.Start(ctx, "checkout.Extend", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	active, err := s.reservations.FindActiveByOwner(ctx, orderID, s.now())
	if err != nil {
		return errors.Wrap(err, "find reservations")
	}
	if len(active) == 0 {
		return s.confirmFailed(span, failure.ReservationExpired("", "no active reservations for order "+orderID))
	}
	for _, r := range active {
		if err := s.ledger.MakePermanent(ctx, r.ID); err != nil {
			return s.confirmFailed(span, err)
		}
	}
	s.lg.Debug("Order holds made permanent", zap.String("order_id", orderID), zap.Int("holds", len(active)))
	return nil
}

func variantIDs(items []Item) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.VariantID
	}
	return ids
}
