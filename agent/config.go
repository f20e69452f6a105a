package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gliderlab/aiosgate/auth"
)

// Capability flag names, as sent by clients.
const (
	CapCalculator          = "calculator"
	CapWebCrawler          = "web_crawler"
	CapDDGSearch           = "ddg_search"
	CapShellTools          = "shell_tools"
	CapPythonAssistant     = "python_assistant"
	CapInvestmentAssistant = "investment_assistant"
	CapUseMemory           = "use_memory"
	CapComputerUse         = "computer_use"
	CapImageAnalysis       = "image_analysis"
	CapDeepSearch          = "is_deepsearch"
	CapBrowseAI            = "is_browse_ai"
)

// Configuration selects the capabilities of a new session. It is fixed for
// the life of the session. Unknown JSON fields are ignored.
type Configuration struct {
	Calculator          bool `json:"calculator,omitempty"`
	WebCrawler          bool `json:"web_crawler,omitempty"`
	DDGSearch           bool `json:"ddg_search,omitempty"`
	ShellTools          bool `json:"shell_tools,omitempty"`
	PythonAssistant     bool `json:"python_assistant,omitempty"`
	InvestmentAssistant bool `json:"investment_assistant,omitempty"`
	UseMemory           bool `json:"use_memory,omitempty"`
	ComputerUse         bool `json:"computer_use,omitempty"`
	ImageAnalysis       bool `json:"image_analysis,omitempty"`
	DeepSearch          bool `json:"is_deepsearch,omitempty"`
	BrowseAI            bool `json:"is_browse_ai,omitempty"`
}

func (c Configuration) flags() map[string]bool {
	return map[string]bool{
		CapCalculator:          c.Calculator,
		CapWebCrawler:          c.WebCrawler,
		CapDDGSearch:           c.DDGSearch,
		CapShellTools:          c.ShellTools,
		CapPythonAssistant:     c.PythonAssistant,
		CapInvestmentAssistant: c.InvestmentAssistant,
		CapUseMemory:           c.UseMemory,
		CapComputerUse:         c.ComputerUse,
		CapImageAnalysis:       c.ImageAnalysis,
		CapDeepSearch:          c.DeepSearch,
		CapBrowseAI:            c.BrowseAI,
	}
}

// Capabilities returns the names of the requested flags, sorted.
func (c Configuration) Capabilities() []string {
	var out []string
	for name, on := range c.flags() {
		if on {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Validate rejects combinations no handle can be built for.
func (c Configuration) Validate() error {
	if c.DeepSearch && c.BrowseAI {
		return &ConfigurationError{
			Capabilities: []string{CapDeepSearch, CapBrowseAI},
			Err:          errors.New("deep search and browse modes are mutually exclusive"),
		}
	}
	return nil
}

// ConfigurationError means no handle could be constructed for the requested
// configuration. No session is created.
type ConfigurationError struct {
	Capabilities []string
	Err          error
}

func (e *ConfigurationError) Error() string {
	if len(e.Capabilities) > 0 {
		return fmt.Sprintf("configuration %v: %v", e.Capabilities, e.Err)
	}
	return fmt.Sprintf("configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Factory builds a handle bound to one identity. A returned handle is fully
// initialised; on error nothing needs releasing.
type Factory interface {
	Create(ctx context.Context, id auth.Identity, cfg Configuration) (Handle, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, id auth.Identity, cfg Configuration) (Handle, error)

func (f FactoryFunc) Create(ctx context.Context, id auth.Identity, cfg Configuration) (Handle, error) {
	return f(ctx, id, cfg)
}
