package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBar() Bar {
	return Bar{
		Symbol:    "AAPL",
		Timeframe: "1m",
		Timestamp: time.Date(2024, 2, 21, 10, 30, 0, 0, time.UTC),
		Open:      decimal.NewFromFloat(150.0),
		High:      decimal.NewFromFloat(151.0),
		Low:       decimal.NewFromFloat(149.5),
		Close:     decimal.NewFromFloat(150.5),
		Volume:    decimal.NewFromInt(1000),
	}
}

func TestBarValidate_OK(t *testing.T) {
	require.NoError(t, validBar().Validate())
}

func TestBarValidate_RejectsNonUTC(t *testing.T) {
	b := validBar()
	loc := time.FixedZone("EST", -5*60*60)
	b.Timestamp = b.Timestamp.In(loc)
	assert.Error(t, b.Validate())
}

func TestBarValidate_RejectsInvertedRange(t *testing.T) {
	b := validBar()
	b.High, b.Low = b.Low, b.High
	assert.Error(t, b.Validate())
}

func TestBarValidate_RejectsOpenOutsideRange(t *testing.T) {
	b := validBar()
	b.Open = decimal.NewFromFloat(200)
	assert.Error(t, b.Validate())
}

func TestBarValidate_RejectsNegativeVolume(t *testing.T) {
	b := validBar()
	b.Volume = decimal.NewFromInt(-1)
	assert.Error(t, b.Validate())
}

func TestBarKey_StableAcrossEqualValues(t *testing.T) {
	a := validBar()
	b := validBar()
	assert.Equal(t, a.Key(), b.Key())
}
