// Package processor runs the external image processing program for one
// dispatch message.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"imagecrypt/pkg/messaging"
)

var (
	// ErrProcessFailed is returned when the program exits nonzero or cannot
	// be started
	ErrProcessFailed = errors.New("image processing failed")

	// ErrTimeout is returned when the program outlives Config.Timeout. It is
	// always wrapped together with ErrProcessFailed.
	ErrTimeout = errors.New("image processing timed out")
)

// Config holds configuration for the external program
type Config struct {
	Launcher    string        // MPI launcher; empty runs the program directly
	Parallelism int           // Process count handed to the launcher (-np)
	Program     string        // Path of the processing binary
	Timeout     time.Duration // Zero waits forever
	OutputLimit int           // Bytes of combined output kept for logs
}

// DefaultConfig returns the configuration of the stock worker image
func DefaultConfig() Config {
	return Config{
		Launcher:    "mpirun",
		Parallelism: 2,
		Program:     "/app/openmpi/image_processor",
		OutputLimit: 4096,
	}
}

// OutputSuffix is appended to the input path by the processing program when
// it writes its result.
const OutputSuffix = ".processed.bmp"

// OutputPath returns where the program leaves the processed image for the
// upload at filePath.
func OutputPath(filePath string) string {
	return filePath + OutputSuffix
}

// Result describes one finished invocation.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
	// OutputPath is only set when the run succeeded.
	OutputPath string
}

// Runner invokes the processing collaborator for a message and blocks until
// it is done.
type Runner interface {
	Run(ctx context.Context, msg messaging.DispatchMessage) (Result, error)
}

// Exec runs the program as a child process.
type Exec struct {
	config Config
	logger *slog.Logger
}

// NewExec creates an Exec runner
func NewExec(config Config, logger *slog.Logger) *Exec {
	if config.OutputLimit <= 0 {
		config.OutputLimit = DefaultConfig().OutputLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{config: config, logger: logger.With("module", "processor")}
}

// Command returns the argv used for msg. The five positional arguments are
// file path, key, operation, mode and job id, in that order.
func (e *Exec) Command(msg messaging.DispatchMessage) []string {
	var argv []string
	if e.config.Launcher != "" {
		np := e.config.Parallelism
		if np < 1 {
			np = 1
		}
		argv = append(argv, e.config.Launcher, "-np", strconv.Itoa(np))
	}
	return append(argv, e.config.Program, msg.FilePath, msg.Key, msg.Operation, msg.Mode, msg.JobID)
}

// Run executes the program for msg and waits for it to exit
func (e *Exec) Run(ctx context.Context, msg messaging.DispatchMessage) (Result, error) {
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	argv := e.Command(msg)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out := &tailBuffer{limit: e.config.OutputLimit}
	cmd.Stdout = out
	cmd.Stderr = out
	// don't hang on grandchildren still holding the pipes after a kill
	cmd.WaitDelay = time.Second

	e.logger.InfoContext(ctx, "starting processor",
		"job_id", msg.JobID,
		"operation", msg.Operation,
		"mode", msg.Mode,
		"program", e.config.Program,
	)

	start := time.Now()
	err := cmd.Run()
	res := Result{
		ExitCode: exitCode(cmd, err),
		Output:   strings.TrimSpace(out.String()),
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		res.OutputPath = OutputPath(msg.FilePath)
		e.logger.InfoContext(ctx, "processor finished",
			"job_id", msg.JobID, "outcome", "success", "duration", res.Duration.String())
		return res, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w: %w after %s", ErrProcessFailed, ErrTimeout, e.config.Timeout)
	default:
		err = fmt.Errorf("%w: exit code %d: %v", ErrProcessFailed, res.ExitCode, err)
	}

	e.logger.WarnContext(ctx, "processor failed",
		"job_id", msg.JobID,
		"outcome", "failure",
		"exit_code", res.ExitCode,
		"duration", res.Duration.String(),
		"output", res.Output,
		"error", err,
	)
	return res, err
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
