package calculation

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MinDrugNameLength     = 2
	MaxDrugNameLength     = 200
	MinInstructionsLength = 5
	MaxInstructionsLength = 500
	MinDaysSupply         = 1
	MaxDaysSupply         = 365
)

var canonicalIDPattern = regexp.MustCompile(`^\d+$`)

// Validate checks the shape of a calculation input. All problems are
// reported together in one validation error.
func Validate(in Input) error {
	var problems []string

	name := strings.TrimSpace(in.DrugName)
	switch n := utf8.RuneCountInString(name); {
	case n < MinDrugNameLength:
		problems = append(problems, "drug name must be at least 2 characters")
	case n > MaxDrugNameLength:
		problems = append(problems, "drug name must be at most 200 characters")
	}

	if id := strings.TrimSpace(in.CanonicalID); id != "" && !canonicalIDPattern.MatchString(id) {
		problems = append(problems, "rxcui must be numeric")
	}

	sig := strings.TrimSpace(in.Instructions)
	switch n := utf8.RuneCountInString(sig); {
	case n < MinInstructionsLength:
		problems = append(problems, "instructions must be at least 5 characters")
	case n > MaxInstructionsLength:
		problems = append(problems, "instructions must be at most 500 characters")
	}

	if in.DaysSupply < MinDaysSupply || in.DaysSupply > MaxDaysSupply {
		problems = append(problems, "days supply must be between 1 and 365")
	}

	if len(problems) > 0 {
		return NewError(KindValidation, "validate", strings.Join(problems, "; "))
	}
	return nil
}

// Normalize trims surrounding whitespace from the free-text fields
func (in Input) Normalize() Input {
	in.DrugName = strings.TrimSpace(in.DrugName)
	in.CanonicalID = strings.TrimSpace(in.CanonicalID)
	in.Instructions = strings.TrimSpace(in.Instructions)
	return in
}
