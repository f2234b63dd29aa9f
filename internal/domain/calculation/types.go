// Package calculation holds the NDC calculation domain model: inputs, the
// consolidated result, warnings, errors and history persistence.
package calculation

import (
	"encoding/json"
	"strings"
	"time"
)

// Confidence is a coarse trust signal attached to fuzzy-matched data
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ConfidenceFromScore maps a numeric match score to a confidence level
func ConfidenceFromScore(score float64) Confidence {
	switch {
	case score >= 90:
		return ConfidenceHigh
	case score >= 70:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Input is what the caller submits for one calculation
type Input struct {
	DrugName     string `json:"drugName"`
	CanonicalID  string `json:"rxcui,omitempty"`
	Instructions string `json:"instructions"`
	DaysSupply   int    `json:"daysSupply"`
}

// Alternative is a lower-ranked normalization candidate
type Alternative struct {
	CanonicalID string `json:"rxcui"`
	Name        string `json:"name"`
	Score       string `json:"score"`
}

// NormalizedDrug is the canonical concept a free-text drug name resolved to
type NormalizedDrug struct {
	CanonicalID   string        `json:"rxcui"`
	CanonicalName string        `json:"name"`
	OriginalInput string        `json:"originalInput,omitempty"`
	Confidence    Confidence    `json:"confidence"`
	Alternatives  []Alternative `json:"alternatives"`
}

// PackageRecord is one dispensable package known to the packaging registry
type PackageRecord struct {
	PackageCode        string     `json:"ndc"`
	NormalizedCode     string     `json:"ndc11"`
	GenericName        string     `json:"genericName"`
	BrandName          string     `json:"brandName,omitempty"`
	Manufacturer       string     `json:"manufacturer"`
	PackageDescription string     `json:"packageDescription,omitempty"`
	PackageSize        float64    `json:"packageSize"`
	PackageUnit        string     `json:"packageUnit"`
	IsActive           bool       `json:"isActive"`
	MarketingStatus    string     `json:"marketingStatus"`
	DosageForm         string     `json:"dosageForm"`
	Route              []string   `json:"route"`
	Strength           string     `json:"strength"`
	ExpirationDate     *time.Time `json:"expirationDate,omitempty"`
}

// PartitionPackages splits records into active and inactive sets
func PartitionPackages(records []PackageRecord) (active, inactive []PackageRecord) {
	active = make([]PackageRecord, 0, len(records))
	inactive = make([]PackageRecord, 0)
	for _, r := range records {
		if r.IsActive {
			active = append(active, r)
		} else {
			inactive = append(inactive, r)
		}
	}
	return active, inactive
}

// DosageUnit is the unit a single dose is expressed in
type DosageUnit string

const (
	UnitTablet  DosageUnit = "tablet"
	UnitCapsule DosageUnit = "capsule"
	UnitML      DosageUnit = "mL"
	UnitUnit    DosageUnit = "unit"
	UnitPuff    DosageUnit = "puff"
	UnitOther   DosageUnit = "other"
)

// UnmarshalJSON accepts any casing and folds unknown units to "other"
func (u *DosageUnit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tablet", "tablets", "tab":
		*u = UnitTablet
	case "capsule", "capsules", "cap":
		*u = UnitCapsule
	case "ml":
		*u = UnitML
	case "unit", "units":
		*u = UnitUnit
	case "puff", "puffs":
		*u = UnitPuff
	default:
		*u = UnitOther
	}
	return nil
}

// IsDiscrete reports whether quantities in this unit are a plain multiplication
// of dose, frequency and days.
func (u DosageUnit) IsDiscrete() bool {
	return u == UnitTablet || u == UnitCapsule
}

// InstructionParsing is the structured reading of the free-text sig
type InstructionParsing struct {
	DosageAmount        float64    `json:"dosageAmount"`
	DosageUnit          DosageUnit `json:"dosageUnit"`
	Frequency           string     `json:"frequency,omitempty"`
	FrequencyPerDay     float64    `json:"frequencyPerDay"`
	SpecialInstructions string     `json:"specialInstructions,omitempty"`
	IsPRN               bool       `json:"isPRN"`
	Confidence          Confidence `json:"confidence"`
	Reasoning           string     `json:"reasoning"`
	Warnings            []string   `json:"warnings"`
}

// QuantityCalculation is the quantity derived from a parsing and days supply
type QuantityCalculation struct {
	DailyQuantity       float64  `json:"dailyQuantity"`
	TotalQuantityNeeded float64  `json:"totalQuantityNeeded"`
	Calculation         string   `json:"calculation"`
	Assumptions         []string `json:"assumptions"`
	Uncertainties       []string `json:"uncertainties"`
}

// RecommendedPackage is one ranked package choice. Quantity is a container
// count; providers sometimes write whole counts as 4.0, so it decodes as a
// float and ContainerCount decides whether it is usable.
type RecommendedPackage struct {
	PackageCode     string  `json:"ndc"`
	Quantity        float64 `json:"quantity"`
	TotalUnits      float64 `json:"totalUnits"`
	WasteUnits      float64 `json:"wasteUnits"`
	WastePercentage float64 `json:"wastePercentage"`
	Rank            int     `json:"rank"`
}

// PackageCount is a package code with a count of containers
type PackageCount struct {
	PackageCode string  `json:"ndc"`
	Quantity    float64 `json:"quantity"`
}

// OptimizationAlternative is a named package combination with trade-offs
type OptimizationAlternative struct {
	Description string         `json:"description"`
	Packages    []PackageCount `json:"packages"`
	Pros        []string       `json:"pros"`
	Cons        []string       `json:"cons"`
}

// PackageOptimization is the ranked recommendation set
type PackageOptimization struct {
	RecommendedPackages []RecommendedPackage      `json:"recommendedPackages"`
	Reasoning           string                    `json:"reasoning"`
	Alternatives        []OptimizationAlternative `json:"alternatives"`
}

// Result is the consolidated, immutable output of one calculation
type Result struct {
	ID               string              `json:"id"`
	Input            Input               `json:"input"`
	Drug             NormalizedDrug      `json:"rxnormData"`
	AllPackages      []PackageRecord     `json:"allProducts"`
	ActivePackages   []PackageRecord     `json:"activeProducts"`
	InactivePackages []PackageRecord     `json:"inactiveProducts"`
	Parsing          InstructionParsing  `json:"parsing"`
	Quantity         QuantityCalculation `json:"quantity"`
	Optimization     PackageOptimization `json:"optimization"`
	Explanation      string              `json:"explanation"`
	Warnings         []Warning           `json:"warnings"`
	CreatedAt        time.Time           `json:"timestamp"`
	UserID           string              `json:"userId,omitempty"`
}

// Stage is a step of the calculation pipeline
type Stage string

const (
	StageNormalizing      Stage = "normalizing"
	StageFetchingPackages Stage = "fetching_packages"
	StageCalculating      Stage = "calculating"
	StageOptimizing       Stage = "optimizing"
	StageComplete         Stage = "complete"
	StageError            Stage = "error"
)

// Progress is emitted before each stage executes
type Progress struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
	Percent int    `json:"progress"`
}
