package main

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/checkout-engine/internal/domain/discount"
)

// parseVoucher decodes one JSON line and checks the definition. Money may be
// a string or a number.
func parseVoucher(data []byte) (discount.Voucher, error) {
	var v discount.Voucher
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "code":
			v.Code, err = d.Str()
		case "kind":
			var s string
			s, err = d.Str()
			v.Kind = discount.VoucherKind(s)
		case "value":
			v.Value, err = decodeDecimal(d)
		case "min_order_amount":
			v.MinOrderAmount, err = decodeDecimal(d)
		case "usage_limit":
			v.UsageLimit, err = d.Int()
		case "valid_from":
			v.ValidFrom, err = decodeTime(d)
		case "valid_until":
			v.ValidUntil, err = decodeTime(d)
		case "description":
			v.Description, err = d.Str()
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, string(key))
		}
		return nil
	})
	if err != nil {
		return discount.Voucher{}, err
	}
	if err := v.CheckDefinition(); err != nil {
		return discount.Voucher{}, err
	}
	return v, nil
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Decimal{}, errors.New("expected string or number")
	}
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, s)
}
