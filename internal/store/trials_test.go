package store

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func openTestDB(t *testing.T) *TrialDB {
	t.Helper()

	db, err := OpenTrialDB(filepath.Join(t.TempDir(), "db", "trials.db"))
	if err != nil {
		t.Fatalf("OpenTrialDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTrialDB_RecordAndList(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	trials := []Trial{
		{JobID: "a", Evaluation: 1, FolderID: "f1", ParamsKey: "x=1", Params: map[string]float64{"x": 1}, Loss: 4, KPIs: map[string]float64{"VMT": 0.3}, RunTime: 90 * time.Second},
		{JobID: "a", Evaluation: 2, FolderID: "f2", ParamsKey: "x=2", Params: map[string]float64{"x": 2}, Loss: math.Inf(1), Failed: true},
		{JobID: "a", Evaluation: 3, FolderID: "f3", ParamsKey: "x=3", Params: map[string]float64{"x": 3}, Loss: -2},
		{JobID: "b", Evaluation: 1, FolderID: "g1", ParamsKey: "x=1", Params: map[string]float64{"x": 1}, Loss: -10},
	}
	for _, trial := range trials {
		if err := db.Record(ctx, trial); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got, err := db.List(ctx, "a", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 trials for job a, got %d", len(got))
	}
	if !got[1].Failed || !math.IsInf(got[1].Loss, 1) {
		t.Errorf("Failed trial not restored: %+v", got[1])
	}
	if got[0].RunTime != 90*time.Second || got[0].KPIs["VMT"] != 0.3 {
		t.Errorf("Trial fields not restored: %+v", got[0])
	}
	if diff := cmp.Diff(map[string]float64{"x": 3}, got[2].Params); diff != "" {
		t.Errorf("Params mismatch (-want +got):\n%s", diff)
	}

	limited, err := db.List(ctx, "a", 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected 2 trials with limit, got %d", len(limited))
	}
}

func TestTrialDB_BestAndCount(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Best(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for empty job, got %v", err)
	}

	for i, loss := range []float64{3, -1, math.Inf(1), 0.5} {
		trial := Trial{JobID: "a", Evaluation: i + 1, FolderID: "f", ParamsKey: "k", Params: map[string]float64{}, Loss: loss, Failed: math.IsInf(loss, 1)}
		if err := db.Record(ctx, trial); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	best, err := db.Best(ctx, "a")
	if err != nil {
		t.Fatalf("Best failed: %v", err)
	}
	if best.Evaluation != 2 || best.Loss != -1 {
		t.Errorf("Best = %+v, want evaluation 2 with loss -1", best)
	}

	total, failed, err := db.Count(ctx, "a")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if total != 4 || failed != 1 {
		t.Errorf("Count = (%d, %d), want (4, 1)", total, failed)
	}
}

func TestTrialDB_Losses(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i, tr := range []struct {
		key  string
		loss float64
	}{{"x=1", 2}, {"x=2", math.Inf(1)}, {"x=3", -4}} {
		trial := Trial{JobID: "a", Evaluation: i + 1, ParamsKey: tr.key, Params: map[string]float64{}, Loss: tr.loss, Failed: math.IsInf(tr.loss, 1)}
		if err := db.Record(ctx, trial); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	losses, err := db.Losses(ctx, "a")
	if err != nil {
		t.Fatalf("Losses failed: %v", err)
	}
	if diff := cmp.Diff(map[string]float64{"x=1": 2, "x=3": -4}, losses); diff != "" {
		t.Errorf("Losses mismatch (-want +got):\n%s", diff)
	}
}
