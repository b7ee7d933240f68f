// Package validation provides filtering of venue quotes before they are scored.
package validation

import (
	"math/big"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/venue-router/internal/model"
)

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// MaxPriceImpact rejects quotes whose reported impact exceeds it; 0 disables the check
	MaxPriceImpact float64

	// EnableOutlierDetection enables statistical outlier detection on output amounts
	EnableOutlierDetection bool

	// OutlierIQRMultiplier defines sensitivity for outlier detection (1.5 is standard)
	OutlierIQRMultiplier float64
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MaxPriceImpact:         0.15,
		EnableOutlierDetection: true,
		OutlierIQRMultiplier:   3,
	}
}

// FilterInvalid removes quotes that cannot be executed for intent
func FilterInvalid(intent model.TradeIntent, quotes []model.Quote) []model.Quote {
	return FilterInvalidWithOptions(intent, quotes, DefaultValidationOptions())
}

// FilterInvalidWithOptions removes quotes with custom validation options. Input order is
// preserved.
func FilterInvalidWithOptions(intent model.TradeIntent, quotes []model.Quote, opts ValidationOptions) []model.Quote {
	valid := make([]model.Quote, 0, len(quotes))
	for _, q := range quotes {
		if reason := rejectReason(intent, q, opts); reason != "" {
			logrus.WithFields(logrus.Fields{
				"venue":  q.Venue,
				"reason": reason,
			}).Debug("Filtered invalid quote")
			continue
		}
		valid = append(valid, q)
	}

	if opts.EnableOutlierDetection && len(valid) > 3 {
		return filterOutliers(valid, opts.OutlierIQRMultiplier)
	}
	return valid
}

// rejectReason returns why q is unusable, or "" when it passes
func rejectReason(intent model.TradeIntent, q model.Quote, opts ValidationOptions) string {
	if q.Venue == "" {
		return "missing venue"
	}
	if q.AmountOut == nil || q.AmountOut.Sign() <= 0 {
		return "zero output"
	}
	if q.AmountIn == nil || intent.Amount == nil || q.AmountIn.Cmp(intent.Amount) != 0 {
		return "input amount mismatch"
	}
	if len(q.Path) > 0 && (q.Path[0] != intent.TokenIn || q.Path[len(q.Path)-1] != intent.TokenOut) {
		return "path endpoints do not match the trade"
	}
	if q.PriceImpact < 0 {
		return "negative price impact"
	}
	if opts.MaxPriceImpact > 0 && q.PriceImpact > opts.MaxPriceImpact {
		return "price impact above limit"
	}
	return ""
}

// filterOutliers removes quotes whose output lies outside the IQR fence
func filterOutliers(quotes []model.Quote, iqrMultiplier float64) []model.Quote {
	outs := make([]float64, len(quotes))
	for i, q := range quotes {
		outs[i] = toFloat(q.AmountOut)
	}

	sorted := append([]float64(nil), outs...)
	sort.Float64s(sorted)
	q1 := sorted[len(sorted)/4]
	q3 := sorted[len(sorted)*3/4]
	iqr := q3 - q1

	// Identical quotes give a zero-width fence; nothing is an outlier then
	if iqr == 0 {
		return quotes
	}

	lowerBound := q1 - iqrMultiplier*iqr
	upperBound := q3 + iqrMultiplier*iqr

	valid := make([]model.Quote, 0, len(quotes))
	for i, q := range quotes {
		if outs[i] >= lowerBound && outs[i] <= upperBound {
			valid = append(valid, q)
			continue
		}
		logrus.WithFields(logrus.Fields{
			"venue":     q.Venue,
			"amountOut": q.AmountOut.String(),
			"bounds":    []float64{lowerBound, upperBound},
		}).Info("Filtered outlier quote")
	}

	logrus.WithFields(logrus.Fields{
		"total":    len(quotes),
		"filtered": len(quotes) - len(valid),
	}).Debug("Outlier filtering complete")

	return valid
}

func toFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
