// Exec tools - run shell commands and python scripts in a session sandbox
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gliderlab/aiosgate/sandbox"
)

// Runner is the sandbox surface the exec tools need
type Runner interface {
	Exec(ctx context.Context, command string) (sandbox.Result, error)
	RunFile(ctx context.Context, interpreter, name string, source []byte) (sandbox.Result, error)
}

type ShellTool struct {
	Sandbox Runner
}

func (t *ShellTool) Name() string {
	return "shell"
}

func (t *ShellTool) Description() string {
	return "Run a command in the session's private working directory. Arguments are shell-quoted; pipes and redirects are not interpreted."
}

func (t *ShellTool) Parameters() map[string]any {
	return objectSchema([]string{"command"}, map[string]any{
		"command": stringProp("Command to execute"),
	})
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	command := strings.TrimSpace(GetString(args, "command"))
	if command == "" {
		return nil, &ExecError{Message: "command is required"}
	}
	res, err := t.Sandbox.Exec(ctx, command)
	if err != nil {
		return nil, err
	}
	return formatRun(res), nil
}

type PythonTool struct {
	Sandbox Runner
	// Interpreter defaults to python3
	Interpreter string
}

func (t *PythonTool) Name() string {
	return "run_python"
}

func (t *PythonTool) Description() string {
	return "Execute a Python 3 script and return its combined stdout and stderr. Print anything you want to see."
}

func (t *PythonTool) Parameters() map[string]any {
	return objectSchema([]string{"code"}, map[string]any{
		"code":     stringProp("Python source to run"),
		"filename": stringProp("Optional file name (default main.py)"),
	})
}

func (t *PythonTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	code := GetString(args, "code")
	if strings.TrimSpace(code) == "" {
		return nil, &ExecError{Message: "code is required"}
	}
	name := GetString(args, "filename")
	if name == "" {
		name = "main.py"
	}
	interp := t.Interpreter
	if interp == "" {
		interp = "python3"
	}
	res, err := t.Sandbox.RunFile(ctx, interp, name, []byte(code))
	if err != nil {
		return nil, err
	}
	return formatRun(res), nil
}

func formatRun(res sandbox.Result) string {
	var sb strings.Builder
	sb.WriteString(res.Output)
	if res.Truncated {
		sb.WriteString("\n(output truncated)")
	}
	if res.ExitCode != 0 {
		fmt.Fprintf(&sb, "\n(exit code %d)", res.ExitCode)
	}
	if sb.Len() == 0 {
		return "(no output)"
	}
	return sb.String()
}

// ExecError is a caller mistake rather than a runtime failure
type ExecError struct {
	Message string
}

func (e *ExecError) Error() string {
	return e.Message
}

// IsExecError reports whether err is an ExecError
func IsExecError(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee)
}
