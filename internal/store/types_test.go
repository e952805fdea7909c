package store

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestCheckpoint_JSONFieldNames(t *testing.T) {
	data, err := json.Marshal(createTestCheckpoint("job"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for _, field := range []string{`"jobId"`, `"bestParams"`, `"bestLoss"`, `"evaluations"`, `"configPath"`, `"hypervolume"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("Expected field %s in %s", field, data)
		}
	}
}

func TestCheckpoint_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Checkpoint)
		field  string
	}{
		{"valid", func(*Checkpoint) {}, ""},
		{"no successes yet", func(c *Checkpoint) { c.BestParams = nil; c.Failures = c.Evaluations; c.BestLoss = math.Inf(1) }, ""},
		{"empty job id", func(c *Checkpoint) { c.JobID = "" }, "JobID"},
		{"negative evaluations", func(c *Checkpoint) { c.Evaluations = -1 }, "Evaluations"},
		{"too many failures", func(c *Checkpoint) { c.Failures = c.Evaluations + 1 }, "Failures"},
		{"missing best params", func(c *Checkpoint) { c.BestParams = nil }, "BestParams"},
		{"nan loss", func(c *Checkpoint) { c.BestLoss = math.NaN() }, "BestLoss"},
		{"zero timestamp", func(c *Checkpoint) { c.Timestamp = time.Time{} }, "Timestamp"},
		{"no config path", func(c *Checkpoint) { c.Config.ConfigPath = "" }, "Config.ConfigPath"},
		{"no algorithm", func(c *Checkpoint) { c.Config.Algorithm = "" }, "Config.Algorithm"},
		{"no budget", func(c *Checkpoint) { c.Config.Evaluations = 0 }, "Config.Evaluations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := createTestCheckpoint("job")
			tt.modify(cp)

			err := cp.Validate()
			if tt.field == "" {
				if err != nil {
					t.Errorf("Validate failed: %v", err)
				}
				return
			}

			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %s, want %s", ve.Field, tt.field)
			}
		})
	}
}

func TestCheckpoint_IsCompatible(t *testing.T) {
	cp := createTestCheckpoint("job")

	if err := cp.IsCompatible(cp.Config); err != nil {
		t.Errorf("Same config should be compatible: %v", err)
	}

	seedChanged := cp.Config
	seedChanged.Seed = 7
	seedChanged.Evaluations = 500
	if err := cp.IsCompatible(seedChanged); err != nil {
		t.Errorf("Seed and budget may change on resume: %v", err)
	}

	tests := []struct {
		field  string
		modify func(*JobConfig)
	}{
		{"ConfigPath", func(c *JobConfig) { c.ConfigPath = "other.yaml" }},
		{"Algorithm", func(c *JobConfig) { c.Algorithm = "mayfly" }},
		{"Hypervolume", func(c *JobConfig) { c.Hypervolume = false }},
	}
	for _, tt := range tests {
		cfg := cp.Config
		tt.modify(&cfg)

		err := cp.IsCompatible(cfg)
		var ce *CompatibilityError
		if !errors.As(err, &ce) || ce.Field != tt.field {
			t.Errorf("Expected CompatibilityError on %s, got %v", tt.field, err)
		}
		if !errors.Is(err, &CompatibilityError{}) {
			t.Errorf("errors.Is should match CompatibilityError")
		}
	}
}

func TestNewCheckpoint(t *testing.T) {
	cfg := JobConfig{ConfigPath: "a.yaml", Algorithm: "random", Evaluations: 10}
	before := time.Now()
	cp := NewCheckpoint("job", map[string]float64{"fare0": 2}, 1.5, 4, 1, cfg)

	if cp.Timestamp.Before(before) {
		t.Error("Timestamp should be set to now")
	}
	if cp.Remaining() != 6 {
		t.Errorf("Remaining = %d, want 6", cp.Remaining())
	}
	if err := cp.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	info := cp.ToInfo()
	if info.Budget != 10 || info.Evaluations != 4 || info.Algorithm != "random" || info.ConfigPath != "a.yaml" {
		t.Errorf("Unexpected info: %+v", info)
	}

	cp.Cached = 3
	if cp.Spent() != 7 || cp.Remaining() != 3 {
		t.Errorf("Spent = %d, remaining = %d, want 7 and 3", cp.Spent(), cp.Remaining())
	}
	cp.Cached = -1
	if err := cp.Validate(); err == nil {
		t.Error("Expected error for negative cached count")
	}
}
