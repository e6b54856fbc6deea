// Package gateway runs the external lifecycle tooling (the WireGuard install
// script and the wg binary) as bounded subprocesses.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/pkg/models"
)

var commandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "wirebot_gateway_command_duration_seconds",
	Help:    "Lifecycle command duration in seconds.",
	Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
}, []string{"command", "outcome"})

func init() {
	prometheus.MustRegister(commandDuration)
}

// Result is the outcome of one subprocess invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Outcome classifies the result. A timed out command is indeterminate: the
// tool may or may not have applied its change.
func (r Result) Outcome() models.Outcome {
	switch {
	case r.TimedOut:
		return models.OutcomeIndeterminate
	case r.ExitCode == 0:
		return models.OutcomeSucceeded
	default:
		return models.OutcomeFailed
	}
}

// Err returns a *apperr.GatewayError for an unsuccessful result, or nil.
func (r Result) Err(op string) error {
	switch r.Outcome() {
	case models.OutcomeSucceeded:
		return nil
	case models.OutcomeIndeterminate:
		return &apperr.GatewayError{Kind: apperr.ErrTimedOut, Op: op, ExitCode: r.ExitCode, Stderr: r.Stderr, Stdout: r.Stdout}
	default:
		return &apperr.GatewayError{Kind: apperr.ErrGatewayFailure, Op: op, ExitCode: r.ExitCode, Stderr: r.Stderr, Stdout: r.Stdout}
	}
}

// Runner executes commands with a hard timeout. It never retries.
type Runner struct {
	env []string
	log zerolog.Logger
}

// NewRunner creates a Runner. env entries are appended to the daemon's environment.
func NewRunner(env []string, logger zerolog.Logger) *Runner {
	return &Runner{env: env, log: logger.With().Str("component", "gateway").Logger()}
}

// Run executes command with args and waits at most timeout. A non-zero exit is
// reported through Result, not as an error; the error is reserved for
// environment problems such as a missing or non-executable binary.
func (r *Runner) Run(ctx context.Context, command string, args []string, timeout time.Duration) (Result, error) {
	path, err := exec.LookPath(command)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", apperr.ErrExecEnv, command, err)
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Env = append(os.Environ(), r.env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second
	killGroup(cmd)

	label := commandLabel(command, args)
	start := time.Now()
	err = cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	switch {
	case runCtx.Err() != nil:
		res.TimedOut = true
		res.ExitCode = -1
	case err == nil:
	default:
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return res, fmt.Errorf("%w: %s: %w", apperr.ErrExecEnv, command, err)
		}
		res.ExitCode = ee.ExitCode()
	}

	commandDuration.WithLabelValues(label, string(res.Outcome())).Observe(res.Duration.Seconds())
	ev := r.log.Debug()
	if res.Outcome() != models.OutcomeSucceeded {
		ev = r.log.Warn()
	}
	ev.Str("command", label).
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Dur("duration", res.Duration).
		Msg("command finished")
	return res, nil
}

// commandLabel names an invocation for metrics: the first flag if there is one,
// otherwise the first argument or the binary name.
func commandLabel(command string, args []string) string {
	for _, a := range args {
		if strings.HasPrefix(a, "--") {
			return strings.TrimLeft(a, "-")
		}
	}
	if len(args) > 0 && !strings.ContainsRune(args[0], '/') {
		return filepath.Base(command) + " " + args[0]
	}
	return filepath.Base(command)
}
