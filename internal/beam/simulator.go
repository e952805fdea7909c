// Package beam runs the BEAM simulator container and manages the layout of
// its output directories.
package beam

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cwbudde/bistroopt/internal/config"
)

// Container mount points.
const (
	ContainerOutput    = "/app/output"
	ContainerInputs    = "/submission-inputs"
	ContainerFixedData = "/fixed-data"
	LogFile            = "log.txt"

	// ContainerPrefix starts the name of every simulator container.
	ContainerPrefix = "bistro-"
)

// killTimeout bounds the docker kill issued when a run is cancelled.
const killTimeout = 30 * time.Second

// RunSpec locates one simulator run on the host.
type RunSpec struct {
	// ID names the run's container. It defaults to the base name of
	// OutputDir.
	ID        string
	InputDir  string
	OutputDir string
}

// ContainerName returns the docker container name of the run.
func (s RunSpec) ContainerName() string {
	id := s.ID
	if id == "" {
		id = filepath.Base(s.OutputDir)
	}
	return ContainerPrefix + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		}
		return '-'
	}, id)
}

// Simulator runs BEAM for one set of submission inputs.
type Simulator interface {
	Run(ctx context.Context, spec RunSpec) error
}

// DockerSimulator launches the BEAM image with docker run.
type DockerSimulator struct {
	Image        string
	FixedDataDir string
	// ConfigFile selects the --config invocation. When empty the legacy
	// --scenario/--sample-size/--iters flags are used.
	ConfigFile string
	Scenario   string
	SampleSize string
	Iters      int
	Sudo       bool
	ExtraArgs  []string
	Timeout    time.Duration
	// Stdout also receives the container output when set.
	Stdout io.Writer
}

// NewDockerSimulator builds a simulator from settings.
func NewDockerSimulator(cfg *config.Config) *DockerSimulator {
	sim := cfg.Simulator
	return &DockerSimulator{
		Image:        sim.DockerImage,
		FixedDataDir: cfg.FixedDataDir(),
		ConfigFile:   sim.ConfigFile,
		Scenario:     sim.Scenario,
		SampleSize:   sim.SampleSize,
		Iters:        sim.SimulationIters,
		Sudo:         sim.Sudo,
		ExtraArgs:    sim.ExtraArgs,
		Timeout:      sim.Timeout,
	}
}

// Command returns the full argv for a run. Host paths are made absolute.
func (d *DockerSimulator) Command(spec RunSpec) ([]string, error) {
	out, err := filepath.Abs(spec.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output dir: %w", err)
	}
	in, err := filepath.Abs(spec.InputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve input dir: %w", err)
	}
	fixed, err := filepath.Abs(d.FixedDataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve fixed-data dir: %w", err)
	}

	var argv []string
	if d.Sudo {
		argv = append(argv, "sudo")
	}
	argv = append(argv, "docker", "run", "--rm",
		"--name", spec.ContainerName(),
		"-v", out+":"+ContainerOutput+":rw",
		"-v", in+":"+ContainerInputs+":ro",
		"-v", fixed+":"+ContainerFixedData+":rw",
	)
	argv = append(argv, d.ExtraArgs...)
	argv = append(argv, d.Image)

	if d.ConfigFile != "" {
		argv = append(argv, "--config", d.ConfigFile)
	} else {
		argv = append(argv,
			"--scenario", d.Scenario,
			"--sample-size", d.SampleSize,
			"--iters", strconv.Itoa(d.Iters),
		)
	}
	return argv, nil
}

// KillCommand returns the argv that stops the container of a run.
func (d *DockerSimulator) KillCommand(spec RunSpec) []string {
	var argv []string
	if d.Sudo {
		argv = append(argv, "sudo")
	}
	return append(argv, "docker", "kill", spec.ContainerName())
}

// Run executes the container, writing its combined output to log.txt in
// the output directory. When ctx ends or Timeout passes the container is
// killed through the daemon, not only the docker client.
func (d *DockerSimulator) Run(ctx context.Context, spec RunSpec) error {
	argv, err := d.Command(spec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(spec.OutputDir, 0777); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	logf, err := os.Create(filepath.Join(spec.OutputDir, LogFile))
	if err != nil {
		return fmt.Errorf("failed to create simulator log: %w", err)
	}
	defer logf.Close()

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	// keep the tail for error reports
	var tail bytes.Buffer
	writers := []io.Writer{logf, &tailWriter{buf: &tail, max: 4096}}
	if d.Stdout != nil {
		writers = append(writers, d.Stdout)
	}
	out := io.MultiWriter(writers...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error {
		d.kill(spec)
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = killTimeout

	slog.Info("Starting simulator", "image", d.Image, "input_dir", spec.InputDir, "output_dir", spec.OutputDir)
	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &RunError{Spec: spec, Err: fmt.Errorf("timed out after %v", elapsed.Round(time.Second)), Output: tail.String()}
		}
		return ctxErr
	}
	if err != nil {
		return &RunError{Spec: spec, Err: err, Output: tail.String()}
	}

	slog.Info("Simulator finished", "output_dir", spec.OutputDir, "elapsed", elapsed.Round(time.Second).String())
	return nil
}

// kill stops a running container. The container is removed afterwards by
// --rm.
func (d *DockerSimulator) kill(spec RunSpec) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()

	argv := d.KillCommand(spec)
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		slog.Warn("Failed to kill simulator container",
			"container", spec.ContainerName(),
			"error", err,
			"output", strings.TrimSpace(string(out)),
		)
		return
	}
	slog.Info("Killed simulator container", "container", spec.ContainerName())
}

// RunError reports a failed container run with the end of its output.
type RunError struct {
	Spec   RunSpec
	Err    error
	Output string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("simulator run for %s failed: %v", e.Spec.OutputDir, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// tailWriter retains at most max bytes of the most recent output.
type tailWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if extra := w.buf.Len() - w.max; extra > 0 {
		w.buf.Next(extra)
	}
	return len(p), nil
}
