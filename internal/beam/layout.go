package beam

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// OnlySubdir returns the single entry of dir. Any other number of entries,
// or a non-directory entry, is a LayoutError.
func OnlySubdir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", dir, err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return "", &LayoutError{Dir: dir, Entries: len(entries)}
	}
	return filepath.Join(dir, entries[0].Name()), nil
}

// RunDir descends depth single-subdirectory levels below outputDir to the
// BEAM run directory.
func RunDir(outputDir string, depth int) (string, error) {
	dir := outputDir
	for i := 0; i < depth; i++ {
		next, err := OnlySubdir(dir)
		if err != nil {
			return "", err
		}
		dir = next
	}
	return dir, nil
}

// IterDir returns ITERS/it.N inside a run directory.
func IterDir(runDir string, iter int) string {
	return filepath.Join(runDir, "ITERS", "it."+strconv.Itoa(iter))
}

// EnsureEvents copies the final iteration's events file to
// outputEvents.xml.gz when the simulator did not write one.
func EnsureEvents(runDir string, lastIter int) error {
	dst := filepath.Join(runDir, "outputEvents.xml.gz")
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	src := filepath.Join(IterDir(runDir, lastIter), strconv.Itoa(lastIter)+".events.xml.gz")
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("failed to copy iteration %d events: %w", lastIter, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// LayoutError reports an output directory that is not a single nested run.
type LayoutError struct {
	Dir     string
	Entries int
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("expected exactly one run directory in %s, found %d entries", e.Dir, e.Entries)
}

// Is reports whether target is a LayoutError.
func (e *LayoutError) Is(target error) bool {
	_, ok := target.(*LayoutError)
	return ok
}
