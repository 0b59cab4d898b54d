package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/checkout-engine/internal/domain/discount"
)

func writeGz(t *testing.T, lines ...string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	for _, l := range lines {
		_, err := zw.Write([]byte(l + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "vouchers.jsonl.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

const validLine = `{"code":" save10 ","kind":"PERCENTAGE","value":"10","min_order_amount":250000,` +
	`"usage_limit":100,"valid_from":"2026-01-01T00:00:00Z","valid_until":"2026-12-31T23:59:59Z",` +
	`"description":"10% off","extra":[1,2]}`

func TestParseVoucher(t *testing.T) {
	v, err := parseVoucher([]byte(validLine))
	require.NoError(t, err)

	assert.Equal(t, " save10 ", v.Code)
	assert.Equal(t, discount.VoucherPercentage, v.Kind)
	assert.True(t, decimal.NewFromInt(10).Equal(v.Value))
	assert.True(t, decimal.NewFromInt(250000).Equal(v.MinOrderAmount))
	assert.Equal(t, 100, v.UsageLimit)
	assert.Equal(t, time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC), v.ValidUntil.UTC())
	assert.Equal(t, "10% off", v.Description)
}

func TestParseVoucher_Invalid(t *testing.T) {
	for name, line := range map[string]string{
		"malformed":     `{"code":`,
		"bad decimal":   `{"code":"X","value":"ten"}`,
		"bad time":      `{"code":"X","valid_from":"yesterday"}`,
		"zero limit":    `{"code":"X","kind":"FIXED_AMOUNT","value":"5","usage_limit":0,"valid_from":"2026-01-01T00:00:00Z","valid_until":"2026-02-01T00:00:00Z"}`,
		"percent range": `{"code":"X","kind":"PERCENTAGE","value":"150","usage_limit":1,"valid_from":"2026-01-01T00:00:00Z","valid_until":"2026-02-01T00:00:00Z"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseVoucher([]byte(line))
			assert.Error(t, err)
		})
	}
}

func TestReadFiles(t *testing.T) {
	ctx := context.Background()
	a := writeGz(t, validLine, "", `{"code":"FLAT5","kind":"FIXED_AMOUNT","value":5,"usage_limit":1,"valid_from":"2026-01-01T00:00:00Z","valid_until":"2026-02-01T00:00:00Z"}`)
	b := writeGz(t, `{"code":"SAVE10","kind":"PERCENTAGE","value":"20","usage_limit":5,"valid_from":"2026-01-01T00:00:00Z","valid_until":"2026-02-01T00:00:00Z"}`)

	parsed, err := readFiles(ctx, []string{a, b})
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Len(t, parsed[0], 2)
	assert.Len(t, parsed[1], 1)

	vouchers, dups := merge(parsed)
	assert.Equal(t, 1, dups)
	require.Len(t, vouchers, 2)
	assert.Equal(t, "SAVE10", vouchers[0].Code)
	assert.True(t, decimal.NewFromInt(20).Equal(vouchers[0].Value), "later file wins")
	assert.Equal(t, "FLAT5", vouchers[1].Code)
}

func TestReadFiles_ReportsLine(t *testing.T) {
	path := writeGz(t, validLine, `{"code":"BROKEN"}`)
	_, err := readFiles(context.Background(), []string{path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), path+":2")
}

type stubStore struct {
	codes   []string
	written []string
}

func (s *stubStore) ListCodes(context.Context) ([]string, error) { return s.codes, nil }

func (s *stubStore) Upsert(_ context.Context, v discount.Voucher) error {
	s.written = append(s.written, v.Code)
	return nil
}

func TestWithoutExisting(t *testing.T) {
	store := &stubStore{codes: []string{"SAVE10", "old"}}
	in := []discount.Voucher{{Code: "SAVE10"}, {Code: "NEW1"}, {Code: "OLD"}, {Code: "NEW2"}}

	out, err := withoutExisting(context.Background(), store, in)
	require.NoError(t, err)

	var codes []string
	for _, v := range out {
		codes = append(codes, v.Code)
	}
	assert.Equal(t, []string{"NEW1", "NEW2"}, codes)

	require.NoError(t, writeVouchers(context.Background(), store, out))
	assert.Equal(t, []string{"NEW1", "NEW2"}, store.written)
}
