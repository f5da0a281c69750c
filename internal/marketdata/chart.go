package marketdata

import (
	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"github.com/atmx/timemachine/internal/model"
)

// Moving average periods drawn over the daily close series.
const (
	SMAShortPeriod = 5
	SMALongPeriod  = 20
)

// Chart projects daily bars into chart points with short and long simple
// moving averages of the close. An average stays zero until enough bars
// precede it.
func Chart(bars []model.HistoricalBar) []model.ChartPoint {
	out := make([]model.ChartPoint, len(bars))
	if len(bars) == 0 {
		return out
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
	}
	short := movingAverage(closes, SMAShortPeriod)
	long := movingAverage(closes, SMALongPeriod)

	for i, b := range bars {
		out[i] = model.ChartPoint{
			Date:     b.Date,
			Price:    b.Close,
			Volume:   b.Volume,
			SMAShort: short[i],
			SMALong:  long[i],
		}
	}
	return out
}

func movingAverage(closes []float64, period int) []decimal.Decimal {
	out := make([]decimal.Decimal, len(closes))
	if len(closes) < period {
		return out
	}
	sma := talib.Sma(closes, period)
	for i := period - 1; i < len(sma) && i < len(out); i++ {
		out[i] = decimal.NewFromFloat(sma[i]).Round(2)
	}
	return out
}
