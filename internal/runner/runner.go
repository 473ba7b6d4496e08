package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/helmsman/missionctl/internal/registry"
	"go.uber.org/zap"
)

// Artifact is a generated-code reference reported by an agent.
type Artifact struct {
	Ref         string `json:"ref"`
	Description string `json:"description"`
}

// Result captures one worker-agent invocation. The exit code is the only
// guaranteed success signal; the trailing JSON result line is optional.
type Result struct {
	ExitCode  int
	Output    string
	TimedOut  bool
	Cost      float64
	CostKnown bool
	Artifacts []Artifact
	Err       error
}

// Succeeded reports whether the invocation counts as a success.
func (r *Result) Succeeded() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}

const maxOutput = 8 * 1024

// interpreters maps a registered agent language to its launcher.
var interpreters = map[string]string{
	"python": "python3",
	"node":   "node",
	"bash":   "bash",
}

// ProcessRunner invokes worker agents as isolated processes.
type ProcessRunner struct {
	// Verbose adds -v to every invocation for diagnostic output.
	Verbose bool
	logger  *zap.Logger
}

// NewProcessRunner creates a runner.
func NewProcessRunner(logger *zap.Logger) *ProcessRunner {
	return &ProcessRunner{logger: logger}
}

// Run executes the agent's script with the resolved parameters. The caller
// bounds wall-clock time through ctx; on deadline the process is killed and
// the result is marked timed out.
func (r *ProcessRunner) Run(ctx context.Context, a *registry.Agent, params map[string]any) *Result {
	argv := BuildArgs(a, params)
	if r.Verbose {
		argv = append(argv, "-v")
	}

	name := a.ScriptPath
	args := argv
	if interp, ok := interpreters[a.Language]; ok {
		name = interp
		args = append([]string{a.ScriptPath}, argv...)
	}

	r.logger.Info("invoking agent",
		zap.String("agent", a.Name),
		zap.String("script", a.ScriptPath),
		zap.Strings("args", argv))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Output: truncate(stdout.String() + stderr.String())}

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.Err = err
		res.ExitCode = -1
		return res
	}

	parseResultLine(stdout.String(), res)
	return res
}

// BuildArgs serializes the agent's parameter template overlaid with the
// step's resolved parameters into CLI flags. Booleans become bare flags,
// false booleans are omitted, everything else is flag plus value.
// Keys are sorted for a deterministic argv.
func BuildArgs(a *registry.Agent, params map[string]any) []string {
	merged := make(map[string]any, len(a.Parameters)+len(params))
	for k, v := range a.Parameters {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var argv []string
	for _, k := range keys {
		flag := k
		if !strings.HasPrefix(flag, "-") {
			flag = "--" + flag
		}
		switch v := merged[k].(type) {
		case bool:
			if v {
				argv = append(argv, flag)
			}
		case nil:
			// omit
		default:
			argv = append(argv, flag, format(v))
		}
	}
	return argv
}

// agentResult is the optional structured result protocol: agents may emit a
// single JSON object as the final stdout line to report actual cost and any
// generated artifacts. Absent or malformed, the exit code alone decides.
type agentResult struct {
	Cost      *float64   `json:"cost"`
	Artifacts []Artifact `json:"artifacts"`
}

func parseResultLine(stdout string, res *Result) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) == 0 {
		return
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(last, "{") {
		return
	}
	var ar agentResult
	if err := json.Unmarshal([]byte(last), &ar); err != nil {
		return
	}
	if ar.Cost != nil {
		res.Cost = *ar.Cost
		res.CostKnown = true
	}
	res.Artifacts = ar.Artifacts
}

func format(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers arrive as float64; print integral values without decimals.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput]
}
