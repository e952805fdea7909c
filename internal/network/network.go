package network

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"unicode"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Link is one directed road segment of the BEAM network.
type Link struct {
	ID     string
	Length float64 // metres
	Line   orb.LineString
}

// From returns the upstream node location.
func (l Link) From() orb.Point { return l.Line[0] }

// To returns the downstream node location.
func (l Link) To() orb.Point { return l.Line[len(l.Line)-1] }

// GeometricLength is the straight-line distance between the link's nodes.
func (l Link) GeometricLength() float64 {
	return planar.Length(l.Line)
}

// Network is the set of links used to translate cordons into link tolls.
type Network struct {
	Links []Link
	bound orb.Bound
}

// Bound returns the bounding box of all link endpoints.
func (n *Network) Bound() orb.Bound {
	return n.bound
}

// Load reads a BEAM network.csv export.
func Load(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open network: %w", err)
	}
	defer f.Close()

	n, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse network %s: %w", path, err)
	}

	slog.Info("Loaded network", "path", path, "links", len(n.Links))
	return n, nil
}

// Parse reads network rows from r. Rows whose first column is not numeric
// (the header and any comment rows) are skipped. The link id and length are
// columns 1 and 2; the from/to coordinates are the fifth- to second-last
// columns.
func Parse(r io.Reader) (*Network, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	n := &Network{}
	first := true
	line := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(row) == 0 || !isNumeric(row[0]) {
			continue
		}
		if len(row) < 7 {
			return nil, fmt.Errorf("line %d: expected at least 7 columns, got %d", line, len(row))
		}

		length, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid link length %q", line, row[2])
		}

		k := len(row)
		coords := make([]float64, 4)
		for i, col := range row[k-5 : k-1] {
			v, err := strconv.ParseFloat(col, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid coordinate %q", line, col)
			}
			coords[i] = v
		}

		link := Link{
			ID:     row[1],
			Length: length,
			Line:   orb.LineString{{coords[0], coords[1]}, {coords[2], coords[3]}},
		}
		n.Links = append(n.Links, link)

		if first {
			n.bound = link.Line.Bound()
			first = false
		} else {
			n.bound = n.bound.Union(link.Line.Bound())
		}
	}

	if len(n.Links) == 0 {
		return nil, fmt.Errorf("no links found")
	}
	return n, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
