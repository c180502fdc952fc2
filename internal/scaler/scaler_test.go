package scaler

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/creditengine/internal/models"
)

func testScaler(t *testing.T) *Scaler {
	t.Helper()
	s, err := New(Config{
		"acme":  {Ratio: decimal.NewFromInt(4), MaxTaskCredits: 50, MinPurchase: 10, MaxPurchase: 1000},
		"frac":  {Ratio: decimal.RequireFromString("2.5")},
		"odd":   {Ratio: decimal.RequireFromString("1.37")},
		"exact": {Ratio: decimal.NewFromInt(1)},
	})
	require.NoError(t, err)
	return s
}

func TestToProviderCredits_Ceil(t *testing.T) {
	s := testScaler(t)

	got, err := s.ToProviderCredits("acme", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got)

	got, err = s.ToProviderCredits("frac", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got, "2.5 rounds up")

	got, err = s.ToProviderCredits("frac", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
}

func TestToUserCredits_Floor(t *testing.T) {
	s := testScaler(t)

	got, err := s.ToUserCredits("acme", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	got, err = s.ToUserCredits("frac", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	got, err = s.ToUserCredits("frac", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestRoundTripNeverGrantsMore(t *testing.T) {
	s := testScaler(t)
	for _, p := range []string{"acme", "frac", "odd", "exact"} {
		for n := int64(0); n <= 2000; n++ {
			pc, err := s.ToProviderCredits(p, n)
			require.NoError(t, err)
			back, err := s.ToUserCredits(p, pc)
			require.NoError(t, err)
			if back > n {
				t.Fatalf("%s: round trip of %d gave %d", p, n, back)
			}
		}
	}
}

func TestHasCapacity(t *testing.T) {
	s := testScaler(t)

	ok, err := s.HasCapacity("acme", 2, 8)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasCapacity("acme", 2, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnknownProvider(t *testing.T) {
	s := testScaler(t)

	_, err := s.ToProviderCredits("nope", 1)
	assert.ErrorIs(t, err, models.ErrUnknownProvider)
	_, err = s.ToUserCredits("nope", 1)
	assert.ErrorIs(t, err, models.ErrUnknownProvider)
	_, err = s.HasCapacity("nope", 1, 100)
	assert.ErrorIs(t, err, models.ErrUnknownProvider)
}

func TestBounds(t *testing.T) {
	s := testScaler(t)

	assert.NoError(t, s.CheckTask("acme", 1))
	assert.ErrorIs(t, s.CheckTask("acme", 0), models.ErrInvalidAmount)
	assert.ErrorIs(t, s.CheckTask("acme", 51), models.ErrInvalidAmount)

	assert.NoError(t, s.CheckPurchase("acme", 10))
	assert.ErrorIs(t, s.CheckPurchase("acme", 9), models.ErrInvalidAmount)
	assert.ErrorIs(t, s.CheckPurchase("acme", 1001), models.ErrInvalidAmount)
	assert.NoError(t, s.CheckPurchase("frac", 1_000_000))
}

func TestNew_RejectsRatioBelowOne(t *testing.T) {
	_, err := New(Config{"cheap": {Ratio: decimal.RequireFromString("0.3")}})
	assert.Error(t, err)
}
