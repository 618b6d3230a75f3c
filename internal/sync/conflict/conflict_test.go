package conflict

import (
	"errors"
	"testing"
	"time"

	"github.com/blackulaphoto/casesync/internal/sync/domain"
	"github.com/blackulaphoto/casesync/internal/sync/storage"
	"github.com/google/go-cmp/cmp"
)

var detectNow = time.Date(2026, time.March, 7, 12, 0, 0, 0, time.UTC)

func row(fields domain.Fields, updatedAt time.Time) storage.Row {
	return storage.Row{ClientID: "client-1", Fields: fields, UpdatedAt: updatedAt}
}

func TestDetectFlagsRecentDivergingModules(t *testing.T) {
	t.Parallel()

	current := map[string]storage.Row{
		"core":     row(domain.Fields{"address": "12 Main St"}, detectNow.Add(-time.Minute)),
		"housing":  row(domain.Fields{"address": "88 Oak Ave"}, detectNow.Add(-2*time.Minute)),
		"benefits": row(domain.Fields{"address": "12 Main St"}, detectNow.Add(-time.Minute)),
	}
	payload := domain.Fields{"address": "12 Main St"}

	got := Detect(current, payload, "core", 5*time.Minute, detectNow)
	want := map[string]Record{
		"address": {
			Field:    "address",
			Incoming: "12 Main St",
			Sources: map[string]Source{
				"housing": {Value: "88 Oak Ave", LastUpdated: detectNow.Add(-2 * time.Minute)},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("conflicts mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectIgnoresStaleValues(t *testing.T) {
	t.Parallel()

	current := map[string]storage.Row{
		"housing": row(domain.Fields{"address": "88 Oak Ave"}, detectNow.Add(-time.Hour)),
	}
	got := Detect(current, domain.Fields{"address": "12 Main St"}, "core", 5*time.Minute, detectNow)
	if len(got) != 0 {
		t.Fatalf("conflicts = %v, want none for stale values", got)
	}
}

func TestDetectIgnoresSourceModule(t *testing.T) {
	t.Parallel()

	current := map[string]storage.Row{
		"housing": row(domain.Fields{"address": "88 Oak Ave"}, detectNow.Add(-time.Minute)),
	}
	got := Detect(current, domain.Fields{"address": "12 Main St"}, "housing", 5*time.Minute, detectNow)
	if len(got) != 0 {
		t.Fatalf("conflicts = %v, want none against the source module", got)
	}
}

func TestDetectIgnoresBlankStoredValues(t *testing.T) {
	t.Parallel()

	current := map[string]storage.Row{
		"housing": row(domain.Fields{"address": ""}, detectNow.Add(-time.Minute)),
	}
	got := Detect(current, domain.Fields{"address": "12 Main St"}, "core", 5*time.Minute, detectNow)
	if len(got) != 0 {
		t.Fatalf("conflicts = %v, want none for blank stored values", got)
	}
}

func TestDetectIgnoresFieldsTheModuleDoesNotStore(t *testing.T) {
	t.Parallel()

	current := map[string]storage.Row{
		"legal": row(domain.Fields{"docket_number": "24-CV-100"}, detectNow.Add(-time.Minute)),
	}
	got := Detect(current, domain.Fields{"address": "12 Main St"}, "core", 5*time.Minute, detectNow)
	if len(got) != 0 {
		t.Fatalf("conflicts = %v, want none for unstored fields", got)
	}
}

func TestDetectIsSymmetricAcrossSources(t *testing.T) {
	t.Parallel()

	coreUpdated := detectNow.Add(-time.Minute)
	housingUpdated := detectNow.Add(-2 * time.Minute)
	current := map[string]storage.Row{
		"core":    row(domain.Fields{"address": "12 Main St"}, coreUpdated),
		"housing": row(domain.Fields{"address": "88 Oak Ave"}, housingUpdated),
	}

	fromCore := Detect(current, domain.Fields{"address": "12 Main St"}, "core", 5*time.Minute, detectNow)
	fromHousing := Detect(current, domain.Fields{"address": "88 Oak Ave"}, "housing", 5*time.Minute, detectNow)

	if _, ok := fromCore["address"].Sources["housing"]; !ok {
		t.Fatalf("core-sourced detection missed housing: %v", fromCore)
	}
	if _, ok := fromHousing["address"].Sources["core"]; !ok {
		t.Fatalf("housing-sourced detection missed core: %v", fromHousing)
	}
}

func TestResolveTimestampPrefersNewestWrite(t *testing.T) {
	t.Parallel()

	conflicts := map[string]Record{
		"address": {
			Field:    "address",
			Incoming: "12 Main St",
			Sources: map[string]Source{
				"housing": {Value: "88 Oak Ave", LastUpdated: detectNow.Add(-time.Minute)},
			},
		},
	}

	newerStored, err := Resolve(conflicts, StrategyTimestamp, detectNow.Add(-2*time.Minute), []string{"core", "housing"})
	if err != nil {
		t.Fatalf("resolve with older payload: %v", err)
	}
	if newerStored["address"] != "88 Oak Ave" {
		t.Fatalf("winner = %q, want stored %q", newerStored["address"], "88 Oak Ave")
	}

	newerPayload, err := Resolve(conflicts, StrategyTimestamp, detectNow, []string{"core", "housing"})
	if err != nil {
		t.Fatalf("resolve with newer payload: %v", err)
	}
	if newerPayload["address"] != "12 Main St" {
		t.Fatalf("winner = %q, want incoming %q", newerPayload["address"], "12 Main St")
	}
}

func TestResolveTimestampTieFavorsIncoming(t *testing.T) {
	t.Parallel()

	stamp := detectNow.Add(-time.Minute)
	conflicts := map[string]Record{
		"address": {
			Field:    "address",
			Incoming: "12 Main St",
			Sources: map[string]Source{
				"housing": {Value: "88 Oak Ave", LastUpdated: stamp},
			},
		},
	}
	got, err := Resolve(conflicts, StrategyTimestamp, stamp, []string{"core", "housing"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got["address"] != "12 Main St" {
		t.Fatalf("tie winner = %q, want incoming %q", got["address"], "12 Main St")
	}
}

func TestResolvePriorityFollowsPrecedence(t *testing.T) {
	t.Parallel()

	conflicts := map[string]Record{
		"address": {
			Field:    "address",
			Incoming: "1 New Pl",
			Sources: map[string]Source{
				"housing":  {Value: "88 Oak Ave", LastUpdated: detectNow},
				"benefits": {Value: "9 Elm Ct", LastUpdated: detectNow},
			},
		},
	}
	got, err := Resolve(conflicts, StrategyPriority, detectNow, []string{"core", "housing", "benefits"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got["address"] != "88 Oak Ave" {
		t.Fatalf("winner = %q, want highest-precedence %q", got["address"], "88 Oak Ave")
	}
}

func TestResolvePriorityFallsBackToIncoming(t *testing.T) {
	t.Parallel()

	conflicts := map[string]Record{
		"address": {
			Field:    "address",
			Incoming: "1 New Pl",
			Sources: map[string]Source{
				"employment": {Value: "88 Oak Ave", LastUpdated: detectNow},
			},
		},
	}
	got, err := Resolve(conflicts, StrategyPriority, detectNow, []string{"core", "housing"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got["address"] != "1 New Pl" {
		t.Fatalf("winner = %q, want incoming %q", got["address"], "1 New Pl")
	}
}

func TestResolveMergeKeepsStoredValueOverBlank(t *testing.T) {
	t.Parallel()

	conflicts := map[string]Record{
		"address": {
			Field:    "address",
			Incoming: "",
			Sources: map[string]Source{
				"housing": {Value: "88 Oak Ave", LastUpdated: detectNow},
			},
		},
	}
	got, err := Resolve(conflicts, StrategyMerge, detectNow, []string{"core", "housing"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got["address"] != "88 Oak Ave" {
		t.Fatalf("winner = %q, want stored %q", got["address"], "88 Oak Ave")
	}
}

func TestResolveMergeIncomingWinsWhenSet(t *testing.T) {
	t.Parallel()

	conflicts := map[string]Record{
		"address": {
			Field:    "address",
			Incoming: "12 Main St",
			Sources: map[string]Source{
				"housing": {Value: "88 Oak Ave", LastUpdated: detectNow.Add(time.Hour)},
			},
		},
	}
	got, err := Resolve(conflicts, StrategyMerge, detectNow, []string{"core", "housing"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got["address"] != "12 Main St" {
		t.Fatalf("winner = %q, want incoming %q", got["address"], "12 Main St")
	}
}

func TestResolveRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	_, err := Resolve(nil, "manual", detectNow, nil)
	if err == nil {
		t.Fatal("expected unknown strategy error")
	}
}

func TestResolveEmptySourcesIsAmbiguous(t *testing.T) {
	t.Parallel()

	conflicts := map[string]Record{
		"address": {Field: "address", Incoming: "12 Main St", Sources: map[string]Source{}},
	}
	_, err := Resolve(conflicts, StrategyTimestamp, detectNow, nil)
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("error = %v, want %v", err, ErrAmbiguous)
	}
}

func TestStrategiesListsKnownNames(t *testing.T) {
	t.Parallel()

	want := []string{StrategyTimestamp, StrategyPriority, StrategyMerge}
	if diff := cmp.Diff(want, Strategies()); diff != "" {
		t.Fatalf("strategies mismatch (-want +got):\n%s", diff)
	}
	for _, name := range want {
		if !Known(name) {
			t.Fatalf("Known(%q) = false, want true", name)
		}
	}
	if Known("manual") {
		t.Fatal("Known(manual) = true, want false")
	}
}
