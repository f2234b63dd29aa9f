package calculation

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// PackageIndex looks up package records by hyphenated or 11-digit code
type PackageIndex map[string]PackageRecord

// NewPackageIndex indexes records under both of their codes
func NewPackageIndex(records []PackageRecord) PackageIndex {
	idx := make(PackageIndex, len(records)*2)
	for _, r := range records {
		if r.PackageCode != "" {
			idx[r.PackageCode] = r
		}
		if r.NormalizedCode != "" {
			idx[r.NormalizedCode] = r
		}
	}
	return idx
}

// Lookup resolves a code as written, then by its digits when it is already
// an 11-digit code with hyphens.
func (idx PackageIndex) Lookup(code string) (PackageRecord, bool) {
	code = strings.TrimSpace(code)
	if r, ok := idx[code]; ok {
		return r, true
	}
	digits := strings.ReplaceAll(code, "-", "")
	if len(digits) == 11 {
		r, ok := idx[digits]
		return r, ok
	}
	return PackageRecord{}, false
}

// ContainerCount reports q as a whole number of containers. Fractional,
// non-positive and non-finite counts are not dispensable.
func ContainerCount(q float64) (int64, bool) {
	if math.IsNaN(q) || math.IsInf(q, 0) || q <= 0 || q != math.Trunc(q) || q > math.MaxInt32 {
		return 0, false
	}
	return int64(q), true
}

// SuppliedUnits sums package size times container count across an
// alternative. ok is false when any referenced package is not in idx or any
// count is not a whole number of containers.
func SuppliedUnits(packages []PackageCount, idx PackageIndex) (decimal.Decimal, bool) {
	total := decimal.Zero
	for _, p := range packages {
		rec, found := idx.Lookup(p.PackageCode)
		if !found {
			return decimal.Zero, false
		}
		n, whole := ContainerCount(p.Quantity)
		if !whole {
			return decimal.Zero, false
		}
		size := decimal.NewFromFloat(rec.PackageSize)
		total = total.Add(size.Mul(decimal.NewFromInt(n)))
	}
	return total, true
}

// SufficientAlternatives keeps alternatives that reference only packages in
// active and whose supplied units cover need. The second return value counts
// the discarded alternatives.
func SufficientAlternatives(alts []OptimizationAlternative, active []PackageRecord, need float64) ([]OptimizationAlternative, int) {
	idx := NewPackageIndex(active)
	required := decimal.NewFromFloat(need)

	kept := make([]OptimizationAlternative, 0, len(alts))
	for _, alt := range alts {
		if len(alt.Packages) == 0 {
			continue
		}
		supplied, ok := SuppliedUnits(alt.Packages, idx)
		if !ok || supplied.LessThan(required) {
			continue
		}
		kept = append(kept, alt)
	}
	return kept, len(alts) - len(kept)
}
