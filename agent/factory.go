package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/gliderlab/aiosgate/auth"
	"github.com/gliderlab/aiosgate/pkg/config"
	"github.com/gliderlab/aiosgate/pkg/llm"
	"github.com/gliderlab/aiosgate/pkg/logging"
	"github.com/gliderlab/aiosgate/sandbox"
	"github.com/gliderlab/aiosgate/tools"
)

// Coordinator names
const (
	CoordinatorDefault    = "AI_OS"
	CoordinatorDeepSearch = "DeepSearch"
	CoordinatorBrowseAI   = "BrowseAI"
)

// SandboxProvider creates per-session sandboxes. *sandbox.Manager implements it.
type SandboxProvider interface {
	Create(owner string) (*sandbox.Sandbox, error)
}

// Options configures a TeamFactory.
type Options struct {
	Provider          llm.Provider
	Model             string
	Temperature       float32
	HistoryTurns      int
	MaxToolIterations int
	// Sandboxes backs shell and python capabilities; nil disables them.
	Sandboxes SandboxProvider
	// Memory backs use_memory; nil disables it.
	Memory     tools.MemoryStore
	HTTPClient tools.HTTPDoer
	Logger     *zap.Logger
}

// TeamFactory builds Team handles.
type TeamFactory struct {
	opts Options
	log  *zap.Logger
}

// NewTeamFactory returns a factory for opts. A provider is required.
func NewTeamFactory(opts Options) (*TeamFactory, error) {
	if opts.Provider == nil {
		return nil, llm.ErrNoProvider
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = config.DefaultHistoryTurns
	}
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = config.DefaultMaxToolIterations
	}
	return &TeamFactory{opts: opts, log: logging.OrNop(opts.Logger).Named("agent")}, nil
}

// plan is the resolved team layout for one configuration.
type plan struct {
	coordinator  string
	direct       map[string]bool // direct tool names
	members      []string        // member slugs
	enabled      []string        // effective capabilities
	notes        []string        // degrade instructions
	media        []MediaKind
	needsSandbox bool
}

// resolve applies mode selection and graceful degrade. It depends only on cfg
// and the factory options, so equal configurations give equal handles.
func (f *TeamFactory) resolve(cfg Configuration) plan {
	p := plan{coordinator: CoordinatorDefault, direct: map[string]bool{}}
	want := cfg.flags()

	switch {
	case cfg.DeepSearch:
		p.coordinator = CoordinatorDeepSearch
		want[CapDDGSearch] = true
		want[CapCalculator] = true
	case cfg.BrowseAI:
		p.coordinator = CoordinatorBrowseAI
		want[CapDDGSearch] = true
	}

	sandboxed := map[string]string{
		CapShellTools:      "shell commands",
		CapComputerUse:     "computer use",
		CapPythonAssistant: "the Python Assistant",
	}
	for _, name := range sortedKeys(sandboxed) {
		if want[name] && f.opts.Sandboxes == nil {
			want[name] = false
			p.notes = append(p.notes, fmt.Sprintf("You cannot use %s in this session because code execution is disabled on this server. If the user asks for it, say so and offer an alternative.", sandboxed[name]))
		}
	}
	if want[CapUseMemory] && f.opts.Memory == nil {
		want[CapUseMemory] = false
		p.notes = append(p.notes, "You cannot remember things between conversations because long-term memory is not configured on this server. If the user asks you to remember something, explain this.")
	}
	if want[CapImageAnalysis] && !llm.HasCapability(f.opts.Provider, llm.CapabilityVision) {
		want[CapImageAnalysis] = false
		p.notes = append(p.notes, "You cannot see images in this session because the configured model does not support vision. Ask the user to describe any image instead.")
	}

	if want[CapCalculator] {
		p.direct["calculator"] = true
	}
	if want[CapDDGSearch] {
		p.direct["web_search"] = true
		p.direct["web_fetch"] = true
	}
	if want[CapShellTools] || want[CapComputerUse] {
		p.direct["shell"] = true
		p.needsSandbox = true
	}
	if want[CapUseMemory] {
		p.direct["save_memory"] = true
		p.direct["search_memory"] = true
	}
	if want[CapPythonAssistant] {
		p.members = append(p.members, CapPythonAssistant)
		p.needsSandbox = true
	}
	if want[CapWebCrawler] {
		p.members = append(p.members, CapWebCrawler)
	}
	if want[CapInvestmentAssistant] {
		p.members = append(p.members, CapInvestmentAssistant)
	}

	if want[CapImageAnalysis] {
		p.media = append(p.media, MediaImage)
	}
	if llm.HasCapability(f.opts.Provider, llm.CapabilityAudio) {
		p.media = append(p.media, MediaAudio)
	}
	if llm.HasCapability(f.opts.Provider, llm.CapabilityVideo) {
		p.media = append(p.media, MediaVideo)
	}

	for name, on := range want {
		if on {
			p.enabled = append(p.enabled, name)
		}
	}
	sort.Strings(p.enabled)
	return p
}

// Create builds a handle for id. Resources acquired before a failure are
// released before returning.
func (f *TeamFactory) Create(ctx context.Context, id auth.Identity, cfg Configuration) (h Handle, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := f.resolve(cfg)

	var resources []Resource
	defer func() {
		if err == nil {
			return
		}
		for _, r := range resources {
			if rerr := r.Release(context.WithoutCancel(ctx)); rerr != nil {
				f.log.Warn("release after failed create", zap.String("resource", r.Name()), zap.Error(rerr))
			}
		}
	}()

	var sb *sandbox.Sandbox
	if p.needsSandbox {
		sb, err = f.opts.Sandboxes.Create(id.ID)
		if err != nil {
			return nil, fmt.Errorf("create sandbox: %w", err)
		}
		resources = append(resources, sb)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	coord := &member{
		name:      p.coordinator,
		tools:     tools.NewRegistry(f.log),
		delegates: map[string]*member{},
	}
	for _, name := range sortedKeys(p.direct) {
		coord.tools.Register(f.tool(name, sb))
	}
	var memberNames []string
	for _, slug := range p.members {
		m := f.member(slug, sb)
		coord.delegates["delegate_to_"+slug] = m
		memberNames = append(memberNames, m.name)
	}
	coord.instructions = coordinatorInstructions(p, coord)

	team := &Team{
		desc: Descriptor{
			Version:           DescriptorVersion,
			Coordinator:       p.coordinator,
			Capabilities:      p.enabled,
			Members:           memberNames,
			MediaKinds:        p.media,
			UserIDPassthrough: true,
			DeferPersistence:  true,
		},
		provider:     f.opts.Provider,
		model:        f.opts.Model,
		temperature:  f.opts.Temperature,
		coordinator:  coord,
		historyTurns: f.opts.HistoryTurns,
		maxIter:      f.opts.MaxToolIterations,
		resources:    resources,
		log:          f.log.With(zap.String("user_id", id.ID)),
	}
	f.log.Debug("team created",
		zap.String("user_id", id.ID),
		zap.String("coordinator", p.coordinator),
		zap.Strings("capabilities", p.enabled),
		zap.Strings("members", memberNames),
	)
	return team, nil
}

func (f *TeamFactory) tool(name string, sb *sandbox.Sandbox) tools.Tool {
	switch name {
	case "calculator":
		return &tools.CalculatorTool{}
	case "web_search":
		return &tools.WebSearchTool{Client: f.opts.HTTPClient}
	case "web_fetch":
		return &tools.WebFetchTool{Client: f.opts.HTTPClient}
	case "shell":
		return &tools.ShellTool{Sandbox: sb}
	case "save_memory":
		return &tools.SaveMemoryTool{Store: f.opts.Memory}
	case "search_memory":
		return &tools.SearchMemoryTool{Store: f.opts.Memory}
	}
	panic("agent: unknown tool " + name)
}

func (f *TeamFactory) member(slug string, sb *sandbox.Sandbox) *member {
	reg := tools.NewRegistry(f.log)
	m := &member{slug: slug, tools: reg}
	switch slug {
	case CapPythonAssistant:
		m.name = "Python Assistant"
		m.description = "writes and runs Python code for calculations, data processing and file generation"
		m.instructions = "You are the Python Assistant. Solve the task by writing Python 3 code and running it with run_python. Print results explicitly. Report the final output and the code you ran."
		reg.Register(&tools.PythonTool{Sandbox: sb})
	case CapWebCrawler:
		m.name = "Web Crawler"
		m.description = "reads web pages and extracts the information asked for"
		m.instructions = "You are the Web Crawler. Fetch the pages needed for the task with web_fetch and report the relevant facts with their source URLs. Do not invent content you did not fetch."
		reg.Register(&tools.WebFetchTool{Client: f.opts.HTTPClient})
	case CapInvestmentAssistant:
		m.name = "Investment Assistant"
		m.description = "researches companies, markets and financial news and writes investment reports"
		m.instructions = "You are the Investment Assistant. Research the task with web_search and web_fetch, then write a concise report with an overview, key figures, recent news, risks and a summary. Cite sources. This is information, not financial advice; say so."
		reg.Register(&tools.WebSearchTool{Client: f.opts.HTTPClient})
		reg.Register(&tools.WebFetchTool{Client: f.opts.HTTPClient})
	default:
		panic("agent: unknown member " + slug)
	}
	return m
}

func coordinatorInstructions(p plan, coord *member) string {
	var sb strings.Builder
	switch p.coordinator {
	case CoordinatorDeepSearch:
		sb.WriteString("You are DeepSearch, a research agent. Break the question into sub-questions, search the web for each, read the most relevant sources, and write a thorough, well-structured answer with citations. Prefer primary sources and note disagreements between them.")
	case CoordinatorBrowseAI:
		sb.WriteString("You are BrowseAI, a browsing agent. Use web_search and web_fetch to find and read pages, then answer from what you read, citing the URLs.")
	default:
		sb.WriteString("You are AI_OS, a helpful assistant that coordinates a team of specialists. Answer directly when you can. Use your tools when they help, and delegate to a team member when a task matches their specialty. Always give the user the final answer yourself.")
	}
	if names := coord.tools.List(); len(names) > 0 {
		sb.WriteString("\n\nTools available: " + strings.Join(names, ", ") + ".")
	}
	if len(coord.delegates) > 0 {
		sb.WriteString("\n\nTeam members:")
		for _, name := range sortedKeys(coord.delegates) {
			d := coord.delegates[name]
			fmt.Fprintf(&sb, "\n- %s (%s): %s", d.name, name, d.description)
		}
	}
	for _, n := range p.notes {
		sb.WriteString("\n\n" + n)
	}
	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Factory = (*TeamFactory)(nil)
