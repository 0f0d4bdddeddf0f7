package tools

import (
	"bytes"
	"context"
	"os/exec"
)

const maxOutputBytes = 100_000

// RegisterShell adds the bash built-in. Commands run via `sh -c` in
// workDir; output is truncated to keep results bounded.
func RegisterShell(r *Registry, workDir string) error {
	def := Definition{
		Name:        "bash",
		Description: "Execute a shell command and return its output.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The command to execute",
				},
			},
			"required": []any{"command"},
		},
	}

	return r.Register(def, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		command, _ := args["command"].(string)

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		if workDir != "" {
			cmd.Dir = workDir
		}

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		exitCode := 0
		if err := cmd.Run(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				return map[string]any{
					"error":     err.Error(),
					"exit_code": -1,
				}, nil
			}
		}

		return map[string]any{
			"stdout":    truncate(stdout.String()),
			"stderr":    truncate(stderr.String()),
			"exit_code": exitCode,
		}, nil
	})
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... (output truncated)"
}
