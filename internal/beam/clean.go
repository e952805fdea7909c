package beam

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultKeepFiles are the run-directory files kept when no keep list is
// configured.
var DefaultKeepFiles = []string{
	"outputEvents.xml.gz",
	"realizedModeChoice.csv",
	"summaryStats.csv",
	"outputHouseholds.xml.gz",
	"outputNetwork.xml.gz",
}

// iterationKeep are the final-iteration files kept regardless of the keep
// list, named without their "N." prefix.
var iterationKeep = map[string]bool{
	"averageTravelTimes.csv": true,
	"events.csv.gz":          true,
	"ridehailRides.csv.gz":   true,
	"linkstats.csv.gz":       true,
}

// KeepList is a set of paths relative to the run directory.
type KeepList map[string]bool

// NewKeepList builds a keep list from relative paths.
func NewKeepList(paths ...string) KeepList {
	k := make(KeepList, len(paths))
	for _, p := range paths {
		k[filepath.ToSlash(p)] = true
	}
	return k
}

// Has reports whether rel is kept.
func (k KeepList) Has(rel string) bool {
	return k[filepath.ToSlash(rel)]
}

// LoadKeepFiles reads a keepFiles.csv table with columns Folder, File,
// File type and Keep?. Rows whose Keep? is 1 are kept. Folder "root" refers
// to the run directory and "ITERS" to the final iteration directory.
func LoadKeepFiles(path string, lastIter int) (KeepList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open keep files: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	keep := make(KeepList)
	line := 0
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read keep files line %d: %w", line, err)
		}
		if len(row) < 3 || strings.TrimSpace(row[0]) == "Folder" {
			continue
		}
		if len(row) < 4 || strings.TrimSpace(row[3]) == "" {
			continue
		}
		flag, err := strconv.ParseFloat(strings.TrimSpace(row[3]), 64)
		if err != nil {
			return nil, fmt.Errorf("keep files line %d: invalid Keep? value %q", line, row[3])
		}
		if int(flag) != 1 {
			continue
		}
		keep[keepPath(strings.TrimSpace(row[0]), strings.TrimSpace(row[1]), strings.TrimSpace(row[2]), lastIter)] = true
	}
	return keep, nil
}

func keepPath(folder, file, ext string, lastIter int) string {
	switch folder {
	case "root":
		return file + "." + ext
	case "ITERS":
		n := strconv.Itoa(lastIter)
		return "ITERS/it." + n + "/" + n + "." + file + "." + ext
	default:
		return folder + "/" + file + "." + ext
	}
}

// CleanOutput deletes bulky simulator artifacts from a run directory:
// root files not in keep, competition scratch files, visualisation files
// other than link_stats.csv, summaryStats/, trip histograms, and every
// iteration file except a small set from the final iteration.
func CleanOutput(runDir string, keep KeepList, lastIter int) error {
	if keep == nil {
		keep = NewKeepList(DefaultKeepFiles...)
	}

	removed := 0
	removeFiles := func(dir string, drop func(name string) bool) error {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() || !drop(e.Name()) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
			removed++
		}
		return nil
	}

	if err := removeFiles(runDir, func(name string) bool { return !keep.Has(name) }); err != nil {
		return fmt.Errorf("failed to clean run directory: %w", err)
	}

	competition := filepath.Join(runDir, "competition")
	for _, p := range []string{
		filepath.Join(competition, "submission-inputs"),
		filepath.Join(competition, "validation-errors.out"),
		filepath.Join(runDir, "summaryStats"),
	} {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}

	viz := filepath.Join(competition, "viz")
	if err := removeFiles(viz, func(name string) bool {
		return name != "link_stats.csv" && !keep.Has("competition/viz/"+name)
	}); err != nil {
		return fmt.Errorf("failed to clean viz directory: %w", err)
	}

	iters, err := os.ReadDir(filepath.Join(runDir, "ITERS"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to list iterations: %w", err)
	}
	final := "it." + strconv.Itoa(lastIter)
	prefix := strconv.Itoa(lastIter) + "."
	for _, it := range iters {
		if !it.IsDir() {
			continue
		}
		dir := filepath.Join(runDir, "ITERS", it.Name())
		if err := os.RemoveAll(filepath.Join(dir, "tripHistogram")); err != nil {
			return fmt.Errorf("failed to remove trip histogram: %w", err)
		}

		isFinal := it.Name() == final
		err := removeFiles(dir, func(name string) bool {
			if !isFinal {
				return true
			}
			if keep.Has("ITERS/" + it.Name() + "/" + name) {
				return false
			}
			return !iterationKeep[strings.TrimPrefix(name, prefix)]
		})
		if err != nil {
			return fmt.Errorf("failed to clean %s: %w", it.Name(), err)
		}
	}

	slog.Debug("Cleaned run directory", "run_dir", runDir, "removed_files", removed)
	return nil
}
