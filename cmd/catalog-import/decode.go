package main

import (
	"bufio"
	"context"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-engine/internal/domain/catalog"
	"github.com/xenking/kart-engine/internal/domain/coupon"
)

const maxLineBytes = 1 << 20

// streamGzFile opens a gzip-compressed NDJSON file and calls fn for each
// non-empty line. Line numbers start at 1.
func streamGzFile(ctx context.Context, path string, fn func(line int, b []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		if err := fn(line, b); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}

// parsePrice decodes one price list line:
//
//	{"productId":"p1","unitId":"pcs","price":"10.00","discount":"0.2",
//	 "validFrom":"2026-01-01T00:00:00Z","validTo":"2027-01-01T00:00:00Z"}
func parsePrice(b []byte) (catalog.PriceListEntry, error) {
	var e catalog.PriceListEntry
	err := jx.DecodeBytes(b).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			e.ProductID, err = d.Str()
		case "unitId":
			e.UnitID, err = d.Str()
		case "price":
			e.Price, err = decodeDecimal(d)
		case "discount":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var v decimal.Decimal
			if v, err = decodeDecimal(d); err == nil {
				e.Discount = &v
			}
		case "validFrom":
			e.ValidFrom, err = decodeTime(d)
		case "validTo":
			e.ValidTo, err = decodeTime(d)
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return e, err
	}

	switch {
	case e.ProductID == "" || e.UnitID == "":
		return e, errors.New("productId and unitId are required")
	case !e.Price.IsPositive():
		return e, errors.Errorf("price %s must be positive", e.Price)
	case e.Discount != nil && (e.Discount.IsNegative() || e.Discount.GreaterThan(decimal.NewFromInt(1))):
		return e, errors.Errorf("discount %s outside [0, 1]", e.Discount)
	case !e.ValidFrom.Before(e.ValidTo):
		return e, errors.New("validFrom must be before validTo")
	}
	return e, nil
}

// parseCoupon decodes one coupon line:
//
//	{"code":"SAVE10","name":"10% off","discount":"0.10","usageLimit":1,
//	 "validFrom":"2026-01-01T00:00:00Z","validTo":"2027-01-01T00:00:00Z"}
func parseCoupon(b []byte) (coupon.Coupon, error) {
	var c coupon.Coupon
	err := jx.DecodeBytes(b).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			c.Code, err = d.Str()
		case "name":
			c.Name, err = d.Str()
		case "discount":
			c.Discount, err = decodeDecimal(d)
		case "usageLimit":
			c.UsageLimit, err = d.Int()
		case "validFrom":
			c.ValidFrom, err = decodeTime(d)
		case "validTo":
			c.ValidTo, err = decodeTime(d)
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return c, err
	}

	code, err := coupon.NormalizeCode(c.Code)
	if err != nil {
		return c, err
	}
	c.Code = code

	switch {
	case c.Discount.IsNegative() || c.Discount.GreaterThan(decimal.NewFromInt(1)):
		return c, errors.Errorf("discount %s outside [0, 1]", c.Discount)
	case c.UsageLimit < 0:
		return c, errors.Errorf("negative usage limit %d", c.UsageLimit)
	case !c.ValidFrom.Before(c.ValidTo):
		return c, errors.New("validFrom must be before validTo")
	}
	return c, nil
}

// decodeDecimal accepts both JSON numbers and numeric strings.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var s string
	switch d.Next() {
	case jx.String:
		v, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		s = v
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		s = n.String()
	default:
		return decimal.Zero, errors.Errorf("expected number, got %s", d.Next())
	}
	return decimal.NewFromString(s)
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, s)
}
