package agent

import (
	"fmt"
	"strings"

	"github.com/gliderlab/aiosgate/pkg/llm"
)

// Tool use limits of one agent loop.
const (
	maxToolCalls       = 20
	maxSameToolInARow  = 10
	maxIdenticalCalls  = 3
	maxToolOutputBytes = 15000
	maxToolOutputLines = 500
)

// toolGuard stops an agent that keeps calling tools without making progress
// and bounds the tool output fed back to the model. One guard serves one
// loop; it is not safe for concurrent use.
type toolGuard struct {
	calls int

	lastName string
	sameName int

	lastCall  string
	identical int
}

// admit records call and returns why the agent must stop calling tools, or
// "" when the call may run.
func (g *toolGuard) admit(call llm.ToolCall) string {
	g.calls++
	if call.Name == g.lastName {
		g.sameName++
	} else {
		g.lastName, g.sameName = call.Name, 1
	}
	if key := call.Name + "\x00" + call.Arguments; key == g.lastCall {
		g.identical++
	} else {
		g.lastCall, g.identical = key, 1
	}

	switch {
	case g.identical >= maxIdenticalCalls:
		return fmt.Sprintf("%s was called %d times with the same arguments", call.Name, g.identical)
	case g.sameName > maxSameToolInARow:
		return fmt.Sprintf("%s was called more than %d times in a row", call.Name, maxSameToolInARow)
	case g.calls > maxToolCalls:
		return fmt.Sprintf("more than %d tool calls in one run", maxToolCalls)
	}
	return ""
}

// clip keeps the head and tail of oversized tool output.
func clip(out string) string {
	if n := strings.Count(out, "\n"); n >= maxToolOutputLines {
		lines := strings.SplitN(out, "\n", maxToolOutputLines+1)
		out = strings.Join(lines[:maxToolOutputLines], "\n") +
			fmt.Sprintf("\n[... %d more lines ...]", n+1-maxToolOutputLines)
	}
	if len(out) <= maxToolOutputBytes {
		return out
	}
	half := maxToolOutputBytes / 2
	cut := len(out) - maxToolOutputBytes
	return strings.ToValidUTF8(out[:half], "") +
		fmt.Sprintf("\n[... %d bytes omitted ...]\n", cut) +
		strings.ToValidUTF8(out[len(out)-half:], "")
}
