package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CommandConfig configures CommandGenerator.
type CommandConfig struct {
	// Command is run through the shell with the request as JSON on stdin
	Command string        `yaml:"command" env:"COMMAND"`
	Shell   string        `yaml:"shell" env:"SHELL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Env     []string      `yaml:"env"`
}

// CommandGenerator runs an external program. The program reads the request
// JSON from stdin and writes the document to stdout. The goal is also
// exported as BLUEPRINT_GOAL for simple scripts.
type CommandGenerator struct {
	cfg    CommandConfig
	logger *zap.Logger
}

// NewCommandGenerator creates a CommandGenerator.
func NewCommandGenerator(cfg CommandConfig, logger *zap.Logger) *CommandGenerator {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandGenerator{cfg: cfg, logger: logger.With(zap.String("component", "generator"))}
}

func (g *CommandGenerator) Generate(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(g.cfg.Command) == "" {
		return nil, fmt.Errorf("generator command not configured")
	}
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, g.cfg.Shell, "-c", g.cfg.Command)
	cmd.Env = append(append(os.Environ(), g.cfg.Env...), "BLUEPRINT_GOAL="+req.Goal)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		g.logger.Warn("generator command failed", zap.Error(err), zap.String("stderr", msg))
		if msg != "" {
			return nil, fmt.Errorf("generator command: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("generator command: %w", err)
	}
	g.logger.Info("document generated",
		zap.Int("bytes", stdout.Len()),
		zap.Duration("duration", time.Since(start)))
	return stdout.Bytes(), nil
}
