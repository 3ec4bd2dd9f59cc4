package router

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

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/escalation"
	"github.com/rogers-f/criticality/internal/logging"
)

// DefaultTimeout bounds a request that carries no timeout of its own.
const DefaultTimeout = 5 * time.Minute

// waitDelay is how long a cancelled provider may keep its pipes open.
const waitDelay = 2 * time.Second

// Request is one completion request.
type Request struct {
	Tier       escalation.ModelTier `json:"tier"`
	Prompt     string               `json:"prompt"`
	FunctionID string               `json:"functionId,omitempty"`
	Timeout    time.Duration        `json:"-"`
}

// Response is a provider's reply.
type Response struct {
	Tier     escalation.ModelTier
	Text     string
	Duration time.Duration
}

// ModelRouter routes prompts to the model serving a tier.
type ModelRouter interface {
	Prompt(ctx context.Context, tier escalation.ModelTier, text string, timeout time.Duration) (Response, error)
	Complete(ctx context.Context, req Request) (Response, error)
}

// ProcessRouter runs the registered provider command for each request. The
// request is written to stdin as a single JSON line; stdout carries JSON
// lines of the form {"type":"delta"|"result"|"error","text":...}.
type ProcessRouter struct {
	Registry       *ProviderRegistry
	DefaultTimeout time.Duration
	log            *logging.Logger
}

// NewProcessRouter creates a router over registry.
func NewProcessRouter(registry *ProviderRegistry, log *logging.Logger) *ProcessRouter {
	if log == nil {
		log = logging.NopLogger()
	}
	return &ProcessRouter{
		Registry:       registry,
		DefaultTimeout: DefaultTimeout,
		log:            log.WithComponent("router"),
	}
}

// Prompt implements ModelRouter. A zero timeout uses the router default.
func (r *ProcessRouter) Prompt(ctx context.Context, tier escalation.ModelTier, text string, timeout time.Duration) (Response, error) {
	return r.Complete(ctx, Request{Tier: tier, Prompt: text, Timeout: timeout})
}

// Complete implements ModelRouter. A request that runs out of time fails
// with ErrModelTimeout wrapping context.DeadlineExceeded.
func (r *ProcessRouter) Complete(ctx context.Context, req Request) (Response, error) {
	spec, err := r.Registry.Get(req.Tier)
	if err != nil {
		return Response{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(append(line, '\n'))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		r.log.Warn("model request timed out", "tier", string(req.Tier), "timeout", timeout.String())
		return Response{}, fmt.Errorf("%w: tier %s: %w", domain.ErrModelTimeout, req.Tier, ctxErr)
	}
	if runErr != nil {
		return Response{}, domain.WrapEngineError(domain.ErrProviderUnavailable.Code,
			fmt.Sprintf("provider %s for tier %s", spec.Command, req.Tier),
			fmt.Errorf("%w: %s", runErr, strings.TrimSpace(stderr.String())))
	}

	text, err := parseOutput(stdout.Bytes())
	if err != nil {
		return Response{}, err
	}
	r.log.Debug("model request complete", "tier", string(req.Tier), "duration", elapsed.String())
	return Response{Tier: req.Tier, Text: text, Duration: elapsed}, nil
}

// outputEvent is one JSON line written by a provider.
type outputEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseOutput folds provider output into the reply text. A result event
// replaces any accumulated deltas; lines that are not events are skipped.
func parseOutput(out []byte) (string, error) {
	var (
		deltas strings.Builder
		result *string
	)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev outputEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil || ev.Type == "" {
			continue
		}
		switch ev.Type {
		case "delta":
			deltas.WriteString(ev.Text)
		case "result":
			text := ev.Text
			result = &text
		case "error":
			return "", domain.NewEngineError(domain.ErrModelInvalidOutput.Code, "provider error: "+ev.Text)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", domain.WrapEngineError(domain.ErrModelInvalidOutput.Code, "read provider output", err)
	}
	if result != nil {
		return *result, nil
	}
	if deltas.Len() > 0 {
		return deltas.String(), nil
	}
	return "", domain.NewEngineError(domain.ErrModelInvalidOutput.Code, "no result in provider output")
}
