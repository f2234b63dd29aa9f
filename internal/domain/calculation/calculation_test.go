package calculation

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestValidate(t *testing.T) {
	valid := Input{DrugName: "Metformin 500mg", Instructions: "Take 2 tablets twice daily", DaysSupply: 90}

	tests := []struct {
		name    string
		mutate  func(*Input)
		wantErr string
	}{
		{"valid", func(*Input) {}, ""},
		{"valid with rxcui", func(in *Input) { in.CanonicalID = "861007" }, ""},
		{"short name", func(in *Input) { in.DrugName = " a " }, "drug name"},
		{"long name", func(in *Input) { in.DrugName = strings.Repeat("x", 201) }, "drug name"},
		{"non numeric rxcui", func(in *Input) { in.CanonicalID = "86A007" }, "rxcui"},
		{"short instructions", func(in *Input) { in.Instructions = "bid" }, "instructions"},
		{"zero days", func(in *Input) { in.DaysSupply = 0 }, "days supply"},
		{"too many days", func(in *Input) { in.DaysSupply = 366 }, "days supply"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			err := Validate(in)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !IsKind(err, KindValidation) {
				t.Errorf("kind = %s, want validation", KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	err := Validate(Input{DrugName: "x", Instructions: "", DaysSupply: 0})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"drug name", "instructions", "days supply"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestConfidenceFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  Confidence
	}{
		{100, ConfidenceHigh},
		{90, ConfidenceHigh},
		{89.9, ConfidenceMedium},
		{70, ConfidenceMedium},
		{69.99, ConfidenceLow},
		{0, ConfidenceLow},
	}
	for _, tt := range tests {
		if got := ConfidenceFromScore(tt.score); got != tt.want {
			t.Errorf("ConfidenceFromScore(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestSortWarningsIsStableBySeverity(t *testing.T) {
	in := []Warning{
		{Kind: WarningParsing, Severity: SeverityLow, Message: "l1"},
		{Kind: WarningPackaging, Severity: SeverityHigh, Message: "h1"},
		{Kind: WarningParsing, Severity: SeverityMedium, Message: "m1"},
		{Kind: WarningOptimization, Severity: SeverityLow, Message: "l2"},
		{Kind: WarningInactive, Severity: SeverityHigh, Message: "h2"},
	}
	got := SortWarnings(in)

	var order []string
	for _, w := range got {
		order = append(order, w.Message)
	}
	want := "h1,h2,m1,l1,l2"
	if strings.Join(order, ",") != want {
		t.Errorf("order = %v, want %s", order, want)
	}
	if in[0].Message != "l1" {
		t.Error("input slice was mutated")
	}
	if SortWarnings(nil) == nil {
		t.Error("expected empty non-nil slice")
	}
}

func TestPartitionPackagesIsExhaustiveAndDisjoint(t *testing.T) {
	records := []PackageRecord{
		{PackageCode: "a", IsActive: true},
		{PackageCode: "b", IsActive: false},
		{PackageCode: "c", IsActive: true},
		{PackageCode: "d", IsActive: false},
	}
	active, inactive := PartitionPackages(records)
	if len(active)+len(inactive) != len(records) {
		t.Fatalf("partition lost records: %d + %d != %d", len(active), len(inactive), len(records))
	}
	seen := map[string]bool{}
	for _, r := range append(append([]PackageRecord{}, active...), inactive...) {
		if seen[r.PackageCode] {
			t.Errorf("record %s in both sets", r.PackageCode)
		}
		seen[r.PackageCode] = true
	}
	for _, r := range active {
		if !r.IsActive {
			t.Errorf("inactive record %s in active set", r.PackageCode)
		}
	}
}

func TestSufficientAlternatives(t *testing.T) {
	active := []PackageRecord{
		{PackageCode: "0093-1048-01", NormalizedCode: "00093104801", PackageSize: 100, IsActive: true},
		{PackageCode: "0093-1048-05", NormalizedCode: "00093104805", PackageSize: 500, IsActive: true},
	}
	alts := []OptimizationAlternative{
		{Description: "four bottles", Packages: []PackageCount{{PackageCode: "0093-1048-01", Quantity: 4}}},
		{Description: "three bottles", Packages: []PackageCount{{PackageCode: "0093-1048-01", Quantity: 3}}},
		{Description: "one large", Packages: []PackageCount{{PackageCode: "00093104805", Quantity: 1}}},
		{Description: "unknown", Packages: []PackageCount{{PackageCode: "9999-9999-99", Quantity: 10}}},
		{Description: "empty"},
		{Description: "part bottle", Packages: []PackageCount{{PackageCode: "0093-1048-01", Quantity: 3.6}, {PackageCode: "0093-1048-05", Quantity: 1}}},
	}

	kept, dropped := SufficientAlternatives(alts, active, 360)
	if dropped != 4 {
		t.Errorf("dropped = %d, want 4", dropped)
	}
	if len(kept) != 2 || kept[0].Description != "four bottles" || kept[1].Description != "one large" {
		t.Errorf("kept = %+v", kept)
	}
	idx := NewPackageIndex(active)
	for _, alt := range kept {
		units, ok := SuppliedUnits(alt.Packages, idx)
		if !ok || units.LessThan(decimal.NewFromInt(360)) {
			t.Errorf("alternative %q supplies %s", alt.Description, units)
		}
	}
}

func TestPackageIndexLookup(t *testing.T) {
	idx := NewPackageIndex([]PackageRecord{{PackageCode: "0093-1048-01", NormalizedCode: "00093104801"}})
	for _, code := range []string{"0093-1048-01", "00093104801", "00093-1048-01"} {
		if _, ok := idx.Lookup(code); !ok {
			t.Errorf("Lookup(%q) missed", code)
		}
	}
	if _, ok := idx.Lookup("1234-5678-90"); ok {
		t.Error("unexpected hit")
	}
}

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatus() int { return int(s) }

func TestFromUpstream(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{statusErr(http.StatusNotFound), KindUpstreamClient},
		{statusErr(http.StatusBadRequest), KindUpstreamClient},
		{statusErr(http.StatusUnauthorized), KindUpstreamClient},
		{statusErr(http.StatusRequestTimeout), KindUpstream},
		{statusErr(http.StatusBadGateway), KindUpstream},
		{errors.New("connection refused"), KindUpstream},
		{fmt.Errorf("wrapped: %w", statusErr(http.StatusServiceUnavailable)), KindUpstream},
		{NewError(KindMalformedResponse, "x", "bad"), KindMalformedResponse},
	}
	for _, tt := range tests {
		if got := KindOf(FromUpstream("op", tt.err)); got != tt.want {
			t.Errorf("FromUpstream(%v) kind = %s, want %s", tt.err, got, tt.want)
		}
	}
	if FromUpstream("op", nil) != nil {
		t.Error("nil error should stay nil")
	}
}

func TestErrorMappings(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
		code   string
	}{
		{KindUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
		{KindValidation, http.StatusBadRequest, "invalid-argument"},
		{KindNotFound, http.StatusNotFound, "not-found"},
		{KindUpstream, http.StatusBadGateway, "unavailable"},
		{KindUpstreamClient, http.StatusBadGateway, "upstream-rejected"},
		{KindMalformedResponse, http.StatusInternalServerError, "internal"},
		{KindInternal, http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.kind); got != tt.status {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.status)
		}
		if got := Code(tt.kind); got != tt.code {
			t.Errorf("Code(%s) = %s, want %s", tt.kind, got, tt.code)
		}
	}
}

func TestErrorRetryableAndTerminal(t *testing.T) {
	if !NewError(KindUpstream, "op", "down").Retryable() {
		t.Error("upstream errors should be retryable")
	}
	for _, k := range []Kind{KindValidation, KindNotFound, KindUpstreamClient, KindMalformedResponse} {
		e := NewError(k, "op", "x")
		if e.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
		if !IsTerminal(e) {
			t.Errorf("%s should be terminal", k)
		}
	}
	if IsTerminal(errors.New("boom")) {
		t.Error("untyped errors are recoverable")
	}
}

func TestMalformedCarriesRaw(t *testing.T) {
	err := Malformed("parse", "not json", "<html>", nil)
	var ce *Error
	if !errors.As(err, &ce) || ce.Raw != "<html>" {
		t.Fatalf("raw payload not attached: %+v", err)
	}
}

func TestRepairTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	valid := now.Add(-time.Hour)
	if got := RepairTimestamp(valid, now); !got.Equal(valid) {
		t.Errorf("valid timestamp changed: %v", got)
	}
	for _, bad := range []time.Time{{}, time.Unix(0, 0), now.Add(48 * time.Hour)} {
		if got := RepairTimestamp(bad, now); !got.Equal(now) {
			t.Errorf("RepairTimestamp(%v) = %v, want now", bad, got)
		}
	}
}

func TestCompletedEvent(t *testing.T) {
	r := &Result{
		ID:     "calc_1",
		UserID: "user-1",
		Input:  Input{DaysSupply: 30},
		Drug:   NormalizedDrug{CanonicalID: "861007", CanonicalName: "metformin"},
		Optimization: PackageOptimization{RecommendedPackages: []RecommendedPackage{
			{PackageCode: "0093-1048-01", Rank: 1},
		}},
		Warnings: []Warning{{Severity: SeverityHigh}, {Severity: SeverityLow}},
	}
	ev := CompletedEvent(r)
	if ev.CalculationID != "calc_1" || ev.RxCUI != "861007" || ev.HighWarnings != 1 {
		t.Errorf("unexpected event: %+v", ev)
	}
	if len(ev.RecommendedNDCs) != 1 || ev.RecommendedNDCs[0] != "0093-1048-01" {
		t.Errorf("recommended ndcs = %v", ev.RecommendedNDCs)
	}
}

func TestDosageUnitUnmarshal(t *testing.T) {
	tests := map[string]DosageUnit{
		`"Tablets"`: UnitTablet,
		`"capsule"`: UnitCapsule,
		`"ML"`:      UnitML,
		`"units"`:   UnitUnit,
		`"puff"`:    UnitPuff,
		`"patch"`:   UnitOther,
	}
	for raw, want := range tests {
		var got DosageUnit
		if err := got.UnmarshalJSON([]byte(raw)); err != nil {
			t.Fatalf("UnmarshalJSON(%s): %v", raw, err)
		}
		if got != want {
			t.Errorf("UnmarshalJSON(%s) = %s, want %s", raw, got, want)
		}
	}
	if !UnitTablet.IsDiscrete() || UnitML.IsDiscrete() {
		t.Error("IsDiscrete mismatch")
	}
}

func TestContainerCount(t *testing.T) {
	tests := []struct {
		in    float64
		want  int64
		whole bool
	}{
		{4, 4, true},
		{1.0, 1, true},
		{3.6, 0, false},
		{0, 0, false},
		{-2, 0, false},
		{math.NaN(), 0, false},
		{math.Inf(1), 0, false},
	}
	for _, tt := range tests {
		got, whole := ContainerCount(tt.in)
		if got != tt.want || whole != tt.whole {
			t.Errorf("ContainerCount(%v) = %d, %v", tt.in, got, whole)
		}
	}
}
