package kpi

import (
	"compress/gzip"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Paths of scoring outputs relative to a BEAM run directory.
const (
	RawScoresPath        = "competition/rawScores.csv"
	SubmissionScoresPath = "competition/submissionScores.csv"
	EventsFile           = "outputEvents.xml.gz"
	ModeChoiceFile       = "realizedModeChoice.csv"
)

// ReadRawScores reads the last row of competition/rawScores.csv. Columns
// without a known KPI name are ignored. Toll revenue is always the sum over
// the run's events.
func ReadRawScores(runDir string) (Scores, error) {
	scores, err := ParseRawScores(filepath.Join(runDir, RawScoresPath))
	if err != nil {
		return nil, err
	}

	revenue, err := ReadTollRevenue(filepath.Join(runDir, EventsFile))
	if err != nil {
		return nil, err
	}
	scores[TollRevenue] = revenue
	return scores, nil
}

// ParseRawScores reads a rawScores.csv file.
func ParseRawScores(path string) (Scores, error) {
	header, last, err := lastRow(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw scores: %w", err)
	}

	scores := make(Scores, len(header))
	for i, col := range header {
		name, ok := Translate(col)
		if !ok {
			slog.Debug("Ignoring raw score column", "column", col)
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(last[i]), 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s in %s: %w", col, path, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s in %s is not finite: %v", col, path, v)
		}
		scores[name] = v
	}
	return scores, nil
}

// ReadTollRevenue sums the tollPaid attribute over all events of a gzipped
// BEAM events file. The file is decoded as a stream.
func ReadTollRevenue(eventsPath string) (float64, error) {
	f, err := os.Open(eventsPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open events: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("failed to decompress events: %w", err)
	}
	defer gz.Close()

	dec := xml.NewDecoder(gz)
	total := 0.0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to decode events: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "event" {
			continue
		}
		for _, attr := range start.Attr {
			if attr.Name.Local != "tollPaid" {
				continue
			}
			v, err := strconv.ParseFloat(attr.Value, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid tollPaid %q: %w", attr.Value, err)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, fmt.Errorf("tollPaid %q is not finite", attr.Value)
			}
			total += v
		}
	}
	return total, nil
}

// ReadModeChoices returns the share of trips per mode in the final
// iteration of realizedModeChoice.csv. The first column is the iteration.
func ReadModeChoices(runDir string) (map[string]float64, error) {
	header, last, err := lastRow(filepath.Join(runDir, ModeChoiceFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read mode choices: %w", err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("mode choice file has no modes")
	}

	counts := make([]float64, len(header)-1)
	total := 0.0
	for i, cell := range last[1:] {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid trip count %q for %s", cell, header[i+1])
		}
		counts[i] = v
		total += v
	}

	shares := make(map[string]float64, len(counts))
	for i, c := range counts {
		if total > 0 {
			shares[header[i+1]] = c / total
		} else {
			shares[header[i+1]] = 0
		}
	}
	return shares, nil
}

// lastRow returns the header and the final data row of a CSV file.
func lastRow(path string) ([]string, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: missing header: %w", path, err)
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	var last []string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		last = row
	}
	if last == nil {
		return nil, nil, fmt.Errorf("%s: no data rows", path)
	}
	if len(last) < len(header) {
		return nil, nil, fmt.Errorf("%s: last row has %d columns, header has %d", path, len(last), len(header))
	}
	return header, last, nil
}
