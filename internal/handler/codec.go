package handler

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/checkout-engine/internal/domain/checkout"
	"github.com/xenking/checkout-engine/internal/domain/failure"
	"github.com/xenking/checkout-engine/internal/reaper"
)

// decodeDraft parses a price request:
//
//	{"order_id": "...", "user_id": "...", "voucher_code": "...",
//	 "shipping_method": "STANDARD", "items": [{"variant_id": "...", "quantity": 2}]}
func decodeDraft(data []byte) (checkout.Draft, error) {
	var d checkout.Draft
	err := jx.DecodeBytes(data).ObjBytes(func(dec *jx.Decoder, key []byte) error {
		switch string(key) {
		case "order_id":
			return optStr(dec, &d.OrderID)
		case "user_id":
			return optStr(dec, &d.UserID)
		case "voucher_code":
			return optStr(dec, &d.VoucherCode)
		case "shipping_method":
			return optStr(dec, &d.ShippingMethod)
		case "items":
			return dec.Arr(func(dec *jx.Decoder) error {
				it, err := decodeItem(dec)
				if err != nil {
					return err
				}
				d.Items = append(d.Items, it)
				return nil
			})
		default:
			return dec.Skip()
		}
	})
	if err != nil {
		return checkout.Draft{}, err
	}
	return d, nil
}

func decodeItem(dec *jx.Decoder) (checkout.Item, error) {
	var it checkout.Item
	err := dec.ObjBytes(func(dec *jx.Decoder, key []byte) error {
		switch string(key) {
		case "variant_id":
			return optStr(dec, &it.VariantID)
		case "quantity":
			if dec.Next() != jx.Number {
				return errors.New("quantity must be a number")
			}
			q, err := dec.Int()
			if err != nil {
				return errors.Wrap(err, "quantity")
			}
			it.Quantity = q
			return nil
		default:
			return dec.Skip()
		}
	})
	return it, err
}

// optStr reads a string or null into dst.
func optStr(dec *jx.Decoder, dst *string) error {
	if dec.Next() == jx.Null {
		return dec.Null()
	}
	v, err := dec.Str()
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func encodePricedOrder(e *jx.Encoder, o *checkout.PricedOrder) {
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(o.OrderID)
	e.FieldStart("stage")
	e.Str(string(o.Stage))

	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range o.Lines {
		e.ObjStart()
		e.FieldStart("variant_id")
		e.Str(l.VariantID)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("unit_price")
		e.Str(l.UnitPrice.StringFixed(2))
		e.FieldStart("subtotal")
		e.Str(l.Subtotal.StringFixed(2))
		e.FieldStart("discount")
		e.Str(l.Discount.StringFixed(2))
		e.FieldStart("total")
		e.Str(l.Total().StringFixed(2))
		if l.AppliedRuleID != 0 {
			e.FieldStart("applied_rule_id")
			e.Int64(l.AppliedRuleID)
		}
		e.FieldStart("reservation_id")
		e.Str(l.ReservationID)
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("subtotal")
	e.Str(o.Subtotal.StringFixed(2))
	e.FieldStart("item_discount")
	e.Str(o.ItemDiscount.StringFixed(2))
	if o.VoucherCode != "" {
		e.FieldStart("voucher_code")
		e.Str(o.VoucherCode)
	}
	e.FieldStart("voucher_discount")
	e.Str(o.VoucherDiscount.StringFixed(2))
	e.FieldStart("shipping_method")
	e.Str(o.ShippingMethod)
	e.FieldStart("shipping_fee")
	e.Str(o.ShippingFee.StringFixed(2))
	e.FieldStart("tax_amount")
	e.Str(o.TaxAmount.StringFixed(2))
	e.FieldStart("final_amount")
	e.Str(o.FinalAmount.StringFixed(2))

	e.FieldStart("reservation_ids")
	e.ArrStart()
	for _, r := range o.Reservations {
		e.Str(r.ID)
	}
	e.ArrEnd()

	e.FieldStart("expires_at")
	if o.ExpiresAt.IsZero() {
		e.Null()
	} else {
		e.Str(o.ExpiresAt.UTC().Format(time.RFC3339))
	}
	e.ObjEnd()
}

func encodeStats(e *jx.Encoder, s reaper.Stats) {
	e.ObjStart()
	e.FieldStart("reclaimed")
	e.Int64(s.Reclaimed)
	e.FieldStart("reclaim_failures")
	e.Int64(s.ReclaimFailures)
	e.FieldStart("purged")
	e.Int64(s.Purged)
	encodeTime(e, "last_reclaim_at", s.LastReclaimAt)
	encodeTime(e, "last_purge_at", s.LastPurgeAt)
	e.ObjEnd()
}

func encodeTime(e *jx.Encoder, field string, t time.Time) {
	e.FieldStart(field)
	if t.IsZero() {
		e.Null()
		return
	}
	e.Str(t.UTC().Format(time.RFC3339))
}

func encodeFailure(e *jx.Encoder, status int, fe *failure.Error) {
	e.ObjStart()
	e.FieldStart("code")
	e.Int(status)
	if fe.Kind != "" {
		e.FieldStart("kind")
		e.Str(string(fe.Kind))
	}
	if fe.Reason != "" {
		e.FieldStart("reason")
		e.Str(string(fe.Reason))
	}
	if fe.ResourceID != "" {
		e.FieldStart("resource_id")
		e.Str(fe.ResourceID)
	}
	if fe.ReservationID != "" {
		e.FieldStart("reservation_id")
		e.Str(fe.ReservationID)
	}
	e.FieldStart("message")
	e.Str(fe.Detail)
	e.ObjEnd()
}
