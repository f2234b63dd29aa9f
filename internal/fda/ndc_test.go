package fda

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestNormalizeNDC(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"12345-6789-01", "12345678901"},
		{"12345-678-90", "12345067890"},
		{"1234-5678-90", "01234567890"},
		{"12345678901", "12345678901"},
		{"123456789", "00123456789"},
		{"12345-678", "12345067800"},
		{"0093-1048", "00093104800"},
		{" 12345-6789-01\t", "12345678901"},
		{"12345 6789 01", "12345678901"},
		{"1234 - 567 - 89", "01234056789"},
		{"12345-6789-0A", ""},
		{"NDC 12345-6789-01", ""},
		{"123456-78901-23", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeNDC(tt.in); got != tt.want {
			t.Errorf("NormalizeNDC(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeNDCProperties(t *testing.T) {
	inputs := []string{"12345-6789-01", "12345-678-90", "1234-5678-90", "00093-1048-01", "1-2-3", "99999-9999-99"}
	for _, in := range inputs {
		got := NormalizeNDC(in)
		if len(got) != 11 {
			t.Errorf("NormalizeNDC(%q) = %q, not 11 digits", in, got)
		}
		if _, err := strconv.ParseUint(got, 10, 64); err != nil {
			t.Errorf("NormalizeNDC(%q) = %q is not numeric", in, got)
		}
		if again := NormalizeNDC(got); again != got {
			t.Errorf("re-normalizing %q gave %q", got, again)
		}
	}

	// zero-extended concatenation of 5-4-2 segments
	seg := strings.Split("12345-6789-01", "-")
	if NormalizeNDC("12345-6789-01") != seg[0]+seg[1]+seg[2] {
		t.Error("5-4-2 input must concatenate unchanged")
	}
}

func TestProductNDC(t *testing.T) {
	tests := map[string]string{
		"12345-678-90": "12345-678",
		"12345-678":    "12345-678",
		"12345678901":  "",
	}
	for in, want := range tests {
		if got := ProductNDC(in); got != want {
			t.Errorf("ProductNDC(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCleanDrugName(t *testing.T) {
	tests := map[string]string{
		"Metformin (Oral Pill)":          "metformin",
		"Lisinopril Tablet":              "lisinopril",
		"Amoxicillin Oral Pill":          "amoxicillin",
		"Insulin Glargine Injection":     "insulin glargine",
		"  Atorvastatin  ":               "atorvastatin",
		"Metformin 500mg":                "metformin 500mg",
		"Tablet":                         "tablet",
		"Ibuprofen (OTC) Capsule":        "ibuprofen",
		"Albuterol Sulfate (Inhalation)": "albuterol sulfate",
	}
	for in, want := range tests {
		if got := CleanDrugName(in); got != want {
			t.Errorf("CleanDrugName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSearchStrategiesOrder(t *testing.T) {
	got := SearchStrategies("metformin hydrochloride", "metformin")
	want := []string{
		`generic_name:"metformin hydrochloride"`,
		`generic_name:metformin hydrochloride`,
		`brand_name:"metformin hydrochloride"`,
		`generic_name:"metformin"`,
		`generic_name:"METFORMIN HYDROCHLORIDE"`,
		`generic_name:"metformin"`,
		`generic_name:metformin`,
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("strategies =\n%v\nwant\n%v", got, want)
	}

	single := SearchStrategies("lisinopril", "lisinopril")
	if len(single) != 4 {
		t.Errorf("single word with identical ingredient should yield 4 strategies, got %v", single)
	}
}

func TestParsePackageSize(t *testing.T) {
	tests := []struct {
		in   string
		size float64
		unit string
	}{
		{"100 TABLET in 1 BOTTLE", 100, "TABLET"},
		{"30 capsule in 1 BLISTER PACK", 30, "CAPSULE"},
		{"10 mL in 1 VIAL", 10, "ML"},
		{"2.5 mL in 1 BOTTLE, DROPPER", 2.5, "ML"},
		{"1 BOTTLE in 1 CARTON > 100 TABLET", 1, "BOTTLE"},
		{"BOTTLE", 0, "UNIT"},
		{"", 0, "UNIT"},
	}
	for _, tt := range tests {
		size, unit := ParsePackageSize(tt.in)
		if size != tt.size || unit != tt.unit {
			t.Errorf("ParsePackageSize(%q) = %v %s, want %v %s", tt.in, size, unit, tt.size, tt.unit)
		}
	}
}

func TestIsActive(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	future := now.AddDate(1, 0, 0)
	withinGrace := now.AddDate(0, 0, -10)
	stale := now.AddDate(0, 0, -45)

	tests := []struct {
		name       string
		status     string
		expiration *time.Time
		want       bool
	}{
		{"prescription", "Prescription", nil, true},
		{"otc future", "OTC", &future, true},
		{"rx within grace", "RX", &withinGrace, true},
		{"rx stale", "Rx", &stale, false},
		{"discontinued", "Discontinued", &future, false},
		{"unapproved drug other", "Unapproved drug other", nil, false},
		{"withdrawn", "WITHDRAWN", nil, false},
		{"absent no expiry", "", nil, true},
		{"absent stale", "", &stale, false},
		{"absent future", "", &future, true},
		{"unknown status", "bulk ingredient", nil, true},
		{"unknown stale", "bulk ingredient", &stale, false},
	}
	for _, tt := range tests {
		if got := IsActive(tt.status, tt.expiration, now); got != tt.want {
			t.Errorf("%s: IsActive = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseExpiration(t *testing.T) {
	if got := ParseExpiration("20261231"); got == nil || got.Year() != 2026 || got.Month() != time.December {
		t.Errorf("ParseExpiration(20261231) = %v", got)
	}
	if got := ParseExpiration("2026-12-31"); got == nil {
		t.Error("ISO date not parsed")
	}
	for _, bad := range []string{"", "not-a-date", "2026/13/45"} {
		if got := ParseExpiration(bad); got != nil {
			t.Errorf("ParseExpiration(%q) = %v, want nil", bad, got)
		}
	}
	now := time.Now()
	if !IsActive("", ParseExpiration("garbage"), now) {
		t.Error("malformed dates must be treated as non-expiring")
	}
}
