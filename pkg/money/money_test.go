package money_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanward/fanward/pkg/money"
)

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("whole dollars", func(t *testing.T) {
		t.Parallel()
		m, err := money.Parse("10", "USD")
		require.NoError(t, err)
		assert.Equal(t, int64(1000), m.Amount)
		assert.Equal(t, "USD", m.Currency)
	})

	t.Run("cents", func(t *testing.T) {
		t.Parallel()
		m, err := money.Parse("10.55", "USD")
		require.NoError(t, err)
		assert.Equal(t, int64(1055), m.Amount)
	})

	t.Run("default currency", func(t *testing.T) {
		t.Parallel()
		m, err := money.Parse("5.00", "")
		require.NoError(t, err)
		assert.Equal(t, "USD", m.Currency)
	})

	t.Run("rejects sub-cent precision", func(t *testing.T) {
		t.Parallel()
		_, err := money.Parse("10.555", "USD")
		require.ErrorIs(t, err, money.ErrInvalidAmount)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		t.Parallel()
		_, err := money.Parse("ten dollars", "USD")
		require.ErrorIs(t, err, money.ErrInvalidAmount)
	})
}

func TestString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "10.50", money.New(1050, "USD").String())
	assert.Equal(t, "0.05", money.New(5, "USD").String())
	assert.Equal(t, "-3.33", money.New(-333, "USD").String())
}

func TestArithmetic(t *testing.T) {
	t.Parallel()

	t.Run("add and sub", func(t *testing.T) {
		t.Parallel()
		a := money.New(1000, "USD")
		b := money.New(250, "USD")

		sum, err := a.Add(b)
		require.NoError(t, err)
		assert.Equal(t, int64(1250), sum.Amount)

		diff, err := a.Sub(b)
		require.NoError(t, err)
		assert.Equal(t, int64(750), diff.Amount)
	})

	t.Run("currency mismatch", func(t *testing.T) {
		t.Parallel()
		_, err := money.New(100, "USD").Add(money.New(100, "EUR"))
		require.ErrorIs(t, err, money.ErrCurrencyMismatch)
	})
}

func TestApplyFeePercent(t *testing.T) {
	t.Parallel()

	// $10.00 payment at 5% platform fee nets $9.50 to the artist.
	net := money.New(1000, "USD").ApplyFeePercent(5)
	assert.Equal(t, int64(950), net.Amount)

	// Fractional result floors: 99 cents * 0.95 = 94.05 -> 94.
	net = money.New(99, "USD").ApplyFeePercent(5)
	assert.Equal(t, int64(94), net.Amount)

	assert.Equal(t, int64(100), money.New(100, "USD").ApplyFeePercent(0).Amount)
	assert.Equal(t, int64(0), money.New(100, "USD").ApplyFeePercent(100).Amount)
}

func TestProrate(t *testing.T) {
	t.Parallel()

	t.Run("half period", func(t *testing.T) {
		t.Parallel()
		m, err := money.Prorate(money.New(1000, "USD"), 15, 30)
		require.NoError(t, err)
		assert.Equal(t, int64(500), m.Amount)
	})

	t.Run("floors partial cents", func(t *testing.T) {
		t.Parallel()
		// 1000 * 10 / 30 = 333.33 -> 333
		m, err := money.Prorate(money.New(1000, "USD"), 10, 30)
		require.NoError(t, err)
		assert.Equal(t, int64(333), m.Amount)
	})

	t.Run("clamps days remaining", func(t *testing.T) {
		t.Parallel()
		m, err := money.Prorate(money.New(1000, "USD"), 45, 30)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), m.Amount)

		m, err = money.Prorate(money.New(1000, "USD"), -1, 30)
		require.NoError(t, err)
		assert.Equal(t, int64(0), m.Amount)
	})

	t.Run("invalid period", func(t *testing.T) {
		t.Parallel()
		_, err := money.Prorate(money.New(1000, "USD"), 5, 0)
		require.ErrorIs(t, err, money.ErrInvalidPeriod)
	})
}

func TestProrationNet(t *testing.T) {
	t.Parallel()

	t.Run("upgrade mid cycle", func(t *testing.T) {
		t.Parallel()
		// $10 tier to $20 tier, 30-day period, 15 days remaining:
		// 20/30*15 - 10/30*15 = $5.00 net charge.
		net, err := money.ProrationNet(money.New(1000, "USD"), money.New(2000, "USD"), 15, 30)
		require.NoError(t, err)
		assert.Equal(t, int64(500), net.Amount)
	})

	t.Run("downgrade yields credit", func(t *testing.T) {
		t.Parallel()
		net, err := money.ProrationNet(money.New(2000, "USD"), money.New(1000, "USD"), 15, 30)
		require.NoError(t, err)
		assert.Equal(t, int64(-500), net.Amount)
		assert.True(t, net.IsNegative())
	})

	t.Run("zero at period boundary", func(t *testing.T) {
		t.Parallel()
		net, err := money.ProrationNet(money.New(1000, "USD"), money.New(2000, "USD"), 0, 30)
		require.NoError(t, err)
		assert.True(t, net.IsZero())
	})
}
