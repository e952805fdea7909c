package kpi

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Standard holds the mean and standard deviation used to standardize a KPI.
type Standard struct {
	Mean float64
	Std  float64
}

// Standards maps KPI names to their standardization parameters.
type Standards map[string]Standard

// Get returns the standard for name, or (0, 1) when none is known. A zero
// deviation is treated as 1.
func (s Standards) Get(name string) Standard {
	st, ok := s[name]
	if !ok {
		return Standard{Mean: 0, Std: 1}
	}
	if st.Std == 0 {
		st.Std = 1
	}
	return st
}

// LoadStandards reads a headerless kpi,mean,std CSV file. A leading byte
// order mark is ignored.
func LoadStandards(path string) (Standards, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open standards: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	standards := make(Standards)
	line := 0
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read standards line %d: %w", line, err)
		}
		if len(row) < 3 {
			return nil, fmt.Errorf("standards line %d: expected 3 columns, got %d", line, len(row))
		}

		name := strings.TrimSpace(strings.TrimPrefix(row[0], "\ufeff"))
		mean, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("standards line %d: invalid mean %q", line, row[1])
		}
		std, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("standards line %d: invalid std %q", line, row[2])
		}
		standards[name] = Standard{Mean: mean, Std: std}
	}
	return standards, nil
}

// Save writes the standards sorted by KPI name.
func (s Standards) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create standards directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create standards: %w", err)
	}

	w := csv.NewWriter(f)
	names := lo.Keys(s)
	sort.Strings(names)
	for _, name := range names {
		st := s[name]
		row := []string{
			name,
			strconv.FormatFloat(st.Mean, 'g', -1, 64),
			strconv.FormatFloat(st.Std, 'g', -1, 64),
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("failed to write standards: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write standards: %w", err)
	}
	return f.Close()
}

// ComputeStandards derives the mean and population standard deviation of
// every KPI over a set of sample runs. Toll revenue values of -1 or below
// mark runs without revenue accounting and are skipped.
func ComputeStandards(samples []Scores) Standards {
	values := make(map[string][]float64)
	for _, s := range samples {
		for name, v := range s {
			if name == Iteration {
				continue
			}
			if name == TollRevenue && v <= -1 {
				continue
			}
			values[name] = append(values[name], v)
		}
	}

	standards := make(Standards, len(values))
	for name, vs := range values {
		mean := lo.Sum(vs) / float64(len(vs))
		variance := 0.0
		for _, v := range vs {
			variance += (v - mean) * (v - mean)
		}
		standards[name] = Standard{Mean: mean, Std: math.Sqrt(variance / float64(len(vs)))}
	}
	return standards
}
