package beam

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Baseline describes the artifacts produced from a business-as-usual run.
type Baseline struct {
	Scenario   string
	SampleSize string
	Iteration  int
	WarmStart  string
	Stats      string
	Linkstats  string
}

// PrepareBaseline turns a finished BAU run directory named like
// "<scenario>-<sample>__<timestamp>" into fixed data. It keeps only the
// largest iteration that produced linkstats, zips the directory as a warm
// start next to it, and moves summaryStats.csv and the linkstats file into
// <fixedData>/<scenario>/bau/{stats,linkstats}/.
func PrepareBaseline(runDir, fixedData string) (*Baseline, error) {
	name := filepath.Base(runDir)
	prefix, _, _ := strings.Cut(name, "__")
	scenario, sample, ok := strings.Cut(prefix, "-")
	if !ok || scenario == "" || sample == "" {
		return nil, fmt.Errorf("run directory %q is not named <scenario>-<sample>__<timestamp>", name)
	}

	iter, linkstats, err := pruneIterations(filepath.Join(runDir, "ITERS"))
	if err != nil {
		return nil, err
	}

	zipPath := filepath.Join(filepath.Dir(runDir), prefix+"__warm-start.zip")
	if err := zipDir(runDir, zipPath); err != nil {
		return nil, fmt.Errorf("failed to compress warm start: %w", err)
	}

	bau := filepath.Join(fixedData, scenario, "bau")
	b := &Baseline{
		Scenario:   scenario,
		SampleSize: sample,
		Iteration:  iter,
		WarmStart:  zipPath,
		Stats:      filepath.Join(bau, "stats", "summaryStats-"+sample+".csv"),
		Linkstats:  filepath.Join(bau, "linkstats", "linkstats_bau-"+sample+".csv.gz"),
	}

	if err := replaceFile(filepath.Join(runDir, "summaryStats.csv"), b.Stats); err != nil {
		return nil, fmt.Errorf("failed to move summary stats: %w", err)
	}
	if err := replaceFile(linkstats, b.Linkstats); err != nil {
		return nil, fmt.Errorf("failed to move linkstats: %w", err)
	}

	slog.Info("Prepared baseline",
		"scenario", scenario,
		"sample_size", sample,
		"iteration", iter,
		"warm_start", zipPath,
	)
	return b, nil
}

// pruneIterations deletes every iteration directory except the largest one
// holding N.linkstats.csv.gz and returns that iteration and file.
func pruneIterations(itersDir string) (int, string, error) {
	entries, err := os.ReadDir(itersDir)
	if err != nil {
		return 0, "", fmt.Errorf("failed to list iterations: %w", err)
	}

	best := -1
	for _, e := range entries {
		n, ok := iterNumber(e)
		if !ok {
			continue
		}
		ls := filepath.Join(itersDir, e.Name(), strconv.Itoa(n)+".linkstats.csv.gz")
		if _, err := os.Stat(ls); err == nil && n > best {
			best = n
		}
	}
	if best < 0 {
		return 0, "", fmt.Errorf("no iteration in %s has linkstats", itersDir)
	}

	for _, e := range entries {
		if n, ok := iterNumber(e); ok && n != best {
			if err := os.RemoveAll(filepath.Join(itersDir, e.Name())); err != nil {
				return 0, "", fmt.Errorf("failed to remove %s: %w", e.Name(), err)
			}
		}
	}
	return best, filepath.Join(itersDir, "it."+strconv.Itoa(best), strconv.Itoa(best)+".linkstats.csv.gz"), nil
}

func iterNumber(e fs.DirEntry) (int, bool) {
	if !e.IsDir() || !strings.HasPrefix(e.Name(), "it.") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "it."))
	return n, err == nil
}

func replaceFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// cross-device: copy then delete
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func zipDir(dir, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		if d.IsDir() {
			_, err := zw.Create(filepath.ToSlash(rel) + "/")
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})

	if err := zw.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if err := f.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	return walkErr
}
