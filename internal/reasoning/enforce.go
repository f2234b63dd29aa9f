package reasoning

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-ndc/internal/domain/calculation"
)

// MaxRecommendations is how many ranked package choices a result carries
const MaxRecommendations = 3

// Dropped counts provider suggestions removed by EnforceOptimization
type Dropped struct {
	Recommendations int
	Alternatives    int
}

// Total returns the number of removed suggestions
func (d Dropped) Total() int { return d.Recommendations + d.Alternatives }

// EnforceOptimization checks a provider optimization against the active
// packages. Recommendations that reference unknown or inactive packages,
// that carry a fractional or non-positive container count, or that supply
// less than need, are removed; totals, waste and waste
// percentage are recomputed from the package size; the survivors are
// ordered by rank, capped and re-ranked from 1. Alternatives that are short
// of need or reference non-active packages are removed.
func EnforceOptimization(opt calculation.PackageOptimization, active []calculation.PackageRecord, need float64) (calculation.PackageOptimization, Dropped) {
	idx := calculation.NewPackageIndex(active)
	required := decimal.NewFromFloat(need)

	var dropped Dropped
	recs := make([]calculation.RecommendedPackage, 0, len(opt.RecommendedPackages))
	for _, rec := range opt.RecommendedPackages {
		pkg, ok := idx.Lookup(rec.PackageCode)
		count, whole := calculation.ContainerCount(rec.Quantity)
		if !ok || !whole || pkg.PackageSize <= 0 {
			dropped.Recommendations++
			continue
		}

		total := decimal.NewFromFloat(pkg.PackageSize).Mul(decimal.NewFromInt(count))
		if total.LessThan(required) {
			dropped.Recommendations++
			continue
		}
		waste := total.Sub(required)

		rec.PackageCode = pkg.PackageCode
		rec.TotalUnits = total.InexactFloat64()
		rec.WasteUnits = waste.InexactFloat64()
		rec.WastePercentage = waste.Div(total).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
		recs = append(recs, rec)
	}

	slices.SortStableFunc(recs, func(a, b calculation.RecommendedPackage) int {
		return rankOrder(a.Rank) - rankOrder(b.Rank)
	})
	if len(recs) > MaxRecommendations {
		dropped.Recommendations += len(recs) - MaxRecommendations
		recs = recs[:MaxRecommendations]
	}
	for i := range recs {
		recs[i].Rank = i + 1
	}

	alts, n := calculation.SufficientAlternatives(opt.Alternatives, active, need)
	dropped.Alternatives = n

	return calculation.PackageOptimization{
		RecommendedPackages: recs,
		Reasoning:           opt.Reasoning,
		Alternatives:        alts,
	}, dropped
}

// rankOrder sorts unranked entries last
func rankOrder(rank int) int {
	if rank <= 0 {
		return 1 << 20
	}
	return rank
}
