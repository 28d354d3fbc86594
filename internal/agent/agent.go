// Package agent runs AI and agent steps through the Claude CLI.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/orcflow/internal/command"
	"github.com/randalmurphal/orcflow/pkg/flow"
)

// DefaultClaudePath is the binary looked up on PATH.
const DefaultClaudePath = "claude"

// ErrEmptyPrompt is returned for a step without a prompt.
var ErrEmptyPrompt = errors.New("prompt is required")

// Client executes model calls.
type Client interface {
	// Complete runs a single-turn completion without tools.
	Complete(ctx context.Context, workDir string, cfg flow.AIConfig) (*flow.AIResult, error)
	// RunAgent runs a multi-turn session that may use tools in workDir.
	RunAgent(ctx context.Context, workDir string, cfg flow.AgentConfig) (*flow.AgentResult, error)
}

// CLIClient implements Client with the claude CLI in print mode.
type CLIClient struct {
	path   string
	model  string
	runner command.Runner
}

// Option configures a CLIClient.
type Option func(*CLIClient)

// WithClaudePath sets the claude binary.
func WithClaudePath(path string) Option {
	return func(c *CLIClient) {
		if path != "" {
			c.path = path
		}
	}
}

// WithModel sets the model used when a step does not name one.
func WithModel(model string) Option {
	return func(c *CLIClient) { c.model = model }
}

// WithRunner replaces the process runner.
func WithRunner(r command.Runner) Option {
	return func(c *CLIClient) { c.runner = r }
}

// NewCLIClient creates a CLIClient.
func NewCLIClient(opts ...Option) *CLIClient {
	c := &CLIClient{path: DefaultClaudePath, runner: command.NewExecRunner()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete implements Client.
func (c *CLIClient) Complete(ctx context.Context, workDir string, cfg flow.AIConfig) (*flow.AIResult, error) {
	if strings.TrimSpace(cfg.Prompt) == "" {
		return nil, flow.Permanent(ErrEmptyPrompt)
	}
	model := c.pick(cfg.Model)
	args := c.baseArgs(model, cfg.System)
	args = append(args, "--max-turns", "1")

	prompt := cfg.Prompt
	if cfg.JSON {
		prompt += "\n\nRespond with a single JSON document and nothing else."
	}
	out, err := c.invoke(ctx, workDir, args, prompt)
	if err != nil {
		return nil, err
	}

	res := &flow.AIResult{
		Text:    out.Get("result").String(),
		Model:   model,
		CostUSD: out.Get("total_cost_usd").Float(),
	}
	if cfg.JSON {
		doc, ok := ExtractJSON(res.Text)
		if !ok {
			return nil, fmt.Errorf("model answer is not JSON: %s", truncate(res.Text, 200))
		}
		res.JSON = []byte(doc)
	}
	return res, nil
}

// RunAgent implements Client.
func (c *CLIClient) RunAgent(ctx context.Context, workDir string, cfg flow.AgentConfig) (*flow.AgentResult, error) {
	if strings.TrimSpace(cfg.Prompt) == "" {
		return nil, flow.Permanent(ErrEmptyPrompt)
	}
	args := c.baseArgs(c.pick(cfg.Model), cfg.System)
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	} else {
		args = append(args, "--dangerously-skip-permissions")
	}

	out, err := c.invoke(ctx, workDir, args, cfg.Prompt)
	if err != nil {
		return nil, err
	}
	return &flow.AgentResult{
		Result:    out.Get("result").String(),
		SessionID: out.Get("session_id").String(),
		Turns:     int(out.Get("num_turns").Int()),
		CostUSD:   out.Get("total_cost_usd").Float(),
	}, nil
}

func (c *CLIClient) pick(model string) string {
	if model != "" {
		return model
	}
	return c.model
}

func (c *CLIClient) baseArgs(model, system string) []string {
	args := []string{"--print", "--output-format", "json"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if system != "" {
		args = append(args, "--append-system-prompt", system)
	}
	return args
}

// invoke runs claude with the prompt on stdin and returns the parsed result
// document.
func (c *CLIClient) invoke(ctx context.Context, workDir string, args []string, prompt string) (gjson.Result, error) {
	res, err := c.runner.Run(ctx, command.Request{
		Command: c.path,
		Args:    args,
		BaseDir: workDir,
		Stdin:   prompt,
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("claude: %w", err)
	}
	return ParseResult(res.Stdout)
}

// ParseResult parses claude's JSON output. With stream output the last
// result message is used.
func ParseResult(stdout string) (gjson.Result, error) {
	out := strings.TrimSpace(stdout)
	if out == "" {
		return gjson.Result{}, errors.New("claude produced no output")
	}

	doc := gjson.Parse(out)
	if !gjson.Valid(out) {
		// stream-json: one document per line
		lines := strings.Split(out, "\n")
		doc = gjson.Result{}
		for i := len(lines) - 1; i >= 0; i-- {
			line := gjson.Parse(lines[i])
			if line.Get("type").String() == "result" {
				doc = line
				break
			}
		}
		if !doc.Exists() {
			return gjson.Result{}, fmt.Errorf("claude output has no result: %s", truncate(out, 200))
		}
	} else if doc.IsArray() {
		doc = doc.Get(`#(type=="result")`)
	}

	if doc.Get("is_error").Bool() {
		msg := doc.Get("result").String()
		if msg == "" {
			msg = doc.Get("subtype").String()
		}
		return gjson.Result{}, fmt.Errorf("claude returned an error: %s", msg)
	}
	if !doc.Get("result").Exists() {
		return gjson.Result{}, fmt.Errorf("claude output has no result: %s", truncate(out, 200))
	}
	return doc, nil
}

// ExtractJSON returns the JSON document in a model answer, unwrapping a
// markdown code fence when present.
func ExtractJSON(text string) (string, bool) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if gjson.Valid(s) {
		return s, true
	}
	// Fall back to the outermost object in surrounding prose.
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start >= 0 && end > start && gjson.Valid(s[start:end+1]) {
		return s[start : end+1], true
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
