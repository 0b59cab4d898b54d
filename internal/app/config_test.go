package app

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeesConfig_Schedule(t *testing.T) {
	f, err := FeesConfig{Standard: "30000", Express: "50000", FreeShippingThreshold: "500000", TaxRate: "0.1"}.Schedule()
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(30000).Equal(f.Standard))
	assert.True(t, decimal.NewFromInt(50000).Equal(f.Express))
	require.True(t, f.FreeShippingThreshold.Valid)
	assert.True(t, decimal.NewFromInt(500000).Equal(f.FreeShippingThreshold.Decimal))
	assert.True(t, decimal.RequireFromString("0.1").Equal(f.TaxRate))
}

func TestFeesConfig_ScheduleNoThreshold(t *testing.T) {
	f, err := FeesConfig{Standard: "1", Express: "2"}.Schedule()
	require.NoError(t, err)
	assert.False(t, f.FreeShippingThreshold.Valid)
	assert.True(t, f.TaxRate.IsZero())
}

func TestFeesConfig_ScheduleInvalid(t *testing.T) {
	for name, c := range map[string]FeesConfig{
		"bad standard":  {Standard: "x", Express: "1"},
		"bad express":   {Standard: "1", Express: ""},
		"bad threshold": {Standard: "1", Express: "1", FreeShippingThreshold: "lots"},
		"negative":      {Standard: "-1", Express: "1"},
		"negative tax":  {Standard: "1", Express: "1", TaxRate: "-0.1"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Schedule()
			assert.Error(t, err)
		})
	}
}

func TestApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/checkout")
	t.Setenv("PORT", "9090")

	c := Config{Addr: "0.0.0.0:8080"}
	c.applyPlatformDefaults()
	assert.Equal(t, "postgres://db/checkout", c.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9090", c.Addr)

	c = Config{Addr: "127.0.0.1:7000", DatabaseURL: "postgres://explicit"}
	c.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit", c.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", c.Addr)
}
