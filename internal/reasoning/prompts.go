package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/drfirst/go-ndc/internal/domain/calculation"
)

const (
	parserSystem      = "You are a pharmaceutical calculation expert. Always return valid JSON."
	quantitySystem    = "You are a pharmaceutical calculation expert. Always return valid JSON when requested. Show your mathematical work step by step."
	optimizerSystem   = "You are a pharmacy optimization expert. Always return valid JSON."
	explanationSystem = "You are a pharmaceutical expert writing clear explanations for pharmacists."
)

func instructionPrompt(drugName, instructions string, daysSupply int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the prescription instructions below and extract the dosing schedule.\n\n")
	fmt.Fprintf(&b, "DRUG: %s\nINSTRUCTIONS: %s\nDAYS SUPPLY: %d days\n\n", drugName, instructions, daysSupply)
	b.WriteString(`Extract:
1. Dosage amount per administration
2. Frequency as written
3. Administrations per day as a number
4. Special instructions
5. Whether the medication is taken as needed (PRN)

Abbreviations:
- QD/OD = once daily (1/day)
- BID = twice daily (2/day)
- TID = three times daily (3/day)
- QID = four times daily (4/day)
- Q4H = every 4 hours (6/day)
- Q6H = every 6 hours (4/day)
- Q8H = every 8 hours (3/day)
- Q12H = every 12 hours (2/day)
- PRN = as needed
- AC = before meals, PC = after meals, HS = at bedtime

Return a JSON object with exactly this structure:
{
  "dosageAmount": number,
  "dosageUnit": "tablet" | "capsule" | "mL" | "unit" | "puff" | "other",
  "frequency": "frequency as described",
  "frequencyPerDay": number,
  "specialInstructions": "special notes",
  "isPRN": boolean,
  "confidence": "high" | "medium" | "low",
  "reasoning": "how you interpreted the instructions",
  "warnings": ["ambiguities or concerns"]
}

Rules:
- For PRN dosing assume the maximum safe frequency, never the minimum
- List every ambiguity in warnings instead of guessing silently
- Check the result is reasonable for the days supply
- Output only the JSON object`)
	return b.String()
}

func quantityPrompt(parsing calculation.InstructionParsing, daysSupply int) string {
	parsed, _ := json.MarshalIndent(parsing, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nCalculate the total quantity needed for this prescription.\n\n", quantitySystem)
	fmt.Fprintf(&b, "PARSING: %s\nDAYS SUPPLY: %d days\n\n", parsed, daysSupply)
	b.WriteString(`Calculate:
1. Daily quantity = dosage amount x frequency per day
2. Total quantity = daily quantity x days supply

Special cases:
- Insulin: compute units needed, then the number of vials or pens (typically 1000 units per vial)
- Liquids: account for concentration and volume
- PRN: use the maximum safe frequency
- Complex schedules: work through each step

Return JSON:
{
  "dailyQuantity": number,
  "totalQuantityNeeded": number,
  "calculation": "step-by-step derivation",
  "assumptions": ["assumptions made"],
  "uncertainties": ["remaining uncertainties"]
}

Output only the JSON object.`)
	return b.String()
}

func optimizationPrompt(drugName string, need float64, daysSupply int, active, inactive []calculation.PackageRecord) string {
	var b strings.Builder
	b.WriteString("Recommend the best package combinations for dispensing this medication.\n\n")
	fmt.Fprintf(&b, "DRUG: %s\nTOTAL QUANTITY NEEDED: %s units\nDAYS SUPPLY: %d days\n\n", drugName, formatQuantity(need), daysSupply)

	b.WriteString("AVAILABLE ACTIVE PACKAGES:\n")
	for _, p := range active {
		fmt.Fprintf(&b, "- NDC %s: %s %s (%s)\n", p.PackageCode, formatQuantity(p.PackageSize), p.PackageUnit, p.Manufacturer)
	}
	if len(inactive) > 0 {
		b.WriteString("\nINACTIVE PACKAGES (DO NOT RECOMMEND):\n")
		for _, p := range inactive {
			fmt.Fprintf(&b, "- NDC %s: %s %s (%s) [INACTIVE]\n", p.PackageCode, formatQuantity(p.PackageSize), p.PackageUnit, p.Manufacturer)
		}
	}

	b.WriteString(`
Goals, in priority order:
1. Patient convenience: fewer containers is better
2. Waste: minimize excess units while meeting or exceeding the quantity needed
3. Only active NDCs may be recommended

Give 3 recommendations ranked 1 to 3 by overall value. For each give the
container count, total units dispensed, waste units (total minus needed) and
waste percentage.

Return a JSON object with exactly this structure:
{
  "recommendedPackages": [
    {"ndc": "string", "quantity": number, "totalUnits": number, "wasteUnits": number, "wastePercentage": number, "rank": 1}
  ],
  "reasoning": "ranking logic and trade-offs",
  "alternatives": [
    {"description": "string", "packages": [{"ndc": "string", "quantity": number}], "pros": ["string"], "cons": ["string"]}
  ]
}

Rules:
- Never recommend an inactive NDC
- Quantities are whole container counts
- Every recommendation and alternative must supply at least the quantity needed
- Output only the JSON object`)
	return b.String()
}

func explanationPrompt(req ExplainRequest) string {
	parsing, _ := json.MarshalIndent(req.Parsing, "", "  ")
	quantity, _ := json.MarshalIndent(req.Quantity, "", "  ")
	optimization, _ := json.MarshalIndent(req.Optimization, "", "  ")

	var b strings.Builder
	b.WriteString("Write a short explanation of this NDC calculation for a pharmacist.\n\n")
	fmt.Fprintf(&b, "Drug: %s\nInstructions: %s\nDays supply: %d\n\n", req.DrugName, req.Instructions, req.DaysSupply)
	fmt.Fprintf(&b, "PARSING: %s\nQUANTITY: %s\nOPTIMIZATION: %s\n\n", parsing, quantity, optimization)
	b.WriteString(`Cover how the instructions were read, the quantity arithmetic, the
recommended packages and any warnings or uncertainties.
Stay under 150 words. Return plain text, not JSON.`)
	return b.String()
}

// formatQuantity prints whole numbers without a fractional part
func formatQuantity(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
