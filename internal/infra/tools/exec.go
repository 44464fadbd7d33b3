// Package tools adapts external scanning programs to the worker's stage tool
// contract. Each stage maps to one CLI invocation: inputs go in on stdin, one
// per line, and discoveries come back on stdout as plain values or JSON lines
// carrying enrichment.
package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvusec/scanhive/internal/app/worker"
	"github.com/corvusec/scanhive/internal/domain/catalog"
	"github.com/corvusec/scanhive/internal/domain/credentials"
	"github.com/corvusec/scanhive/internal/domain/pipeline"
	"github.com/corvusec/scanhive/pkg/common/logger"
)

const (
	defaultBatchTimeout = 4 * time.Minute

	// credentialEnvVar is how the active pool credential reaches a stage
	// program.
	credentialEnvVar = "SCANHIVE_API_KEY"

	// Scanner output lines can carry whole response bodies worth of metadata.
	scanInitialBuf = 64 * 1024
	scanMaxToken   = 10 * 1024 * 1024

	// stderrTailLimit caps how much captured stderr ends up inside an error.
	stderrTailLimit = 2048
)

// Command is one stage's program invocation.
type Command struct {
	Path string
	Args []string
}

// Config maps stages to the programs that run them.
type Config struct {
	Commands map[pipeline.StageKind]Command

	// BatchTimeout bounds one invocation over one input batch.
	BatchTimeout time.Duration
}

// ExecTool implements worker.Tool by running each stage's program as a
// subprocess.
type ExecTool struct {
	commands     map[pipeline.StageKind]Command
	batchTimeout time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

var _ worker.Tool = (*ExecTool)(nil)

// NewExecTool validates the stage command table and builds the tool.
func NewExecTool(cfg Config, log *logger.Logger, tracer trace.Tracer) (*ExecTool, error) {
	if len(cfg.Commands) == 0 {
		return nil, fmt.Errorf("exec tool: no stage commands configured")
	}

	commands := make(map[pipeline.StageKind]Command, len(cfg.Commands))
	for stage, cmd := range cfg.Commands {
		if !stage.Valid() {
			return nil, fmt.Errorf("exec tool: unknown stage kind %q", stage)
		}
		if cmd.Path == "" {
			return nil, fmt.Errorf("exec tool: stage %q has no program path", stage)
		}
		commands[stage] = Command{Path: cmd.Path, Args: append([]string(nil), cmd.Args...)}
	}

	timeout := cfg.BatchTimeout
	if timeout <= 0 {
		timeout = defaultBatchTimeout
	}

	return &ExecTool{
		commands:     commands,
		batchTimeout: timeout,
		logger:       log.With("component", "exec_tool"),
		tracer:       tracer,
	}, nil
}

// Run feeds the batch to the stage's program and parses its stdout into
// artifacts. A non-zero exit with no usable output is an error; a non-zero
// exit after usable output returns the partial results, since recon tools
// routinely die on their last target.
func (t *ExecTool) Run(ctx context.Context, stage pipeline.StageKind, inputs []string) ([]worker.Artifact, error) {
	command, ok := t.commands[stage]
	if !ok {
		return nil, fmt.Errorf("no program configured for stage %q", stage)
	}

	ctx, cancel := context.WithTimeout(ctx, t.batchTimeout)
	defer cancel()

	ctx, span := t.tracer.Start(ctx, "exec_tool.run",
		trace.WithAttributes(
			attribute.String("stage", stage.String()),
			attribute.String("program", command.Path),
			attribute.Int("batch_size", len(inputs)),
		))
	defer span.End()

	cmd := exec.CommandContext(ctx, command.Path, command.Args...)
	cmd.Stdin = strings.NewReader(strings.Join(inputs, "\n") + "\n")

	// A credential bound to the invocation reaches the program through its
	// environment, never through argv where it would leak into process lists.
	if cred, ok := credentials.FromContext(ctx); ok {
		cmd.Env = append(os.Environ(), credentialEnvVar+"="+cred.Secret())
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stdout pipe")
		return nil, fmt.Errorf("stage %s: creating stdout pipe: %w", stage, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start")
		return nil, fmt.Errorf("stage %s: starting %s: %w", stage, command.Path, err)
	}
	t.logger.Debug(ctx, "Stage program started", "stage", stage, "program", command.Path, "pid", cmd.Process.Pid, "inputs", len(inputs))

	var artifacts []worker.Artifact
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scanInitialBuf), scanMaxToken)
	for scanner.Scan() {
		artifact, ok, perr := parseLine(scanner.Bytes())
		if perr != nil {
			t.logger.Warn(ctx, "Skipping unparseable output line", "stage", stage, "err", perr)
			continue
		}
		if ok {
			artifacts = append(artifacts, artifact)
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	if scanErr != nil {
		span.RecordError(scanErr)
		span.SetStatus(codes.Error, "reading stdout")
		return nil, fmt.Errorf("stage %s: reading %s output: %w", stage, command.Path, scanErr)
	}

	if waitErr != nil {
		if len(artifacts) == 0 {
			span.RecordError(waitErr)
			span.SetStatus(codes.Error, "program failed")
			return nil, fmt.Errorf("stage %s: %s failed: %w (stderr: %s)", stage, command.Path, waitErr, stderrTail(stderr.Bytes()))
		}
		t.logger.Warn(ctx, "Stage program exited non-zero with partial output",
			"stage", stage,
			"program", command.Path,
			"artifacts", len(artifacts),
			"err", waitErr,
			"stderr", stderrTail(stderr.Bytes()),
		)
	}

	span.SetStatus(codes.Ok, "batch processed")
	t.logger.Info(ctx, "Stage program finished",
		"stage", stage,
		"artifacts", len(artifacts),
		"duration", duration.String(),
	)
	return artifacts, nil
}

// outputLine is the JSON shape stage programs may emit instead of a bare
// value, matching the -json output of the common probing tools.
type outputLine struct {
	URL           string  `json:"url"`
	StatusCode    *int    `json:"status_code"`
	ContentType   *string `json:"content_type"`
	ContentLength *int64  `json:"content_length"`
}

// parseLine turns one stdout line into an artifact. Blank lines are skipped;
// lines opening with a brace are decoded as enriched JSON, everything else is
// a bare artifact value.
func parseLine(line []byte) (worker.Artifact, bool, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return worker.Artifact{}, false, nil
	}

	if trimmed[0] != '{' {
		return worker.Artifact{Value: string(trimmed)}, true, nil
	}

	var out outputLine
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return worker.Artifact{}, false, fmt.Errorf("decoding output line: %w", err)
	}
	if out.URL == "" {
		return worker.Artifact{}, false, fmt.Errorf("output line has no url field")
	}

	return worker.Artifact{
		Value: out.URL,
		Enrichment: catalog.Enrichment{
			StatusCode:    out.StatusCode,
			ContentType:   out.ContentType,
			ContentLength: out.ContentLength,
		},
	}, true, nil
}

func stderrTail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTailLimit {
		s = s[len(s)-stderrTailLimit:]
	}
	if s == "" {
		return "<empty>"
	}
	return s
}
