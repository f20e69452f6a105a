// Package agent defines the conversational engine contract the gateway drives
// and the team engine that implements it.
package agent

import (
	"context"
	"errors"
	"iter"
	"slices"
)

// ChunkKind distinguishes prose from capability boundaries.
type ChunkKind int

const (
	ChunkContent ChunkKind = iota
	ChunkCapabilityStart
	ChunkCapabilityEnd
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkContent:
		return "content"
	case ChunkCapabilityStart:
		return "capability_start"
	case ChunkCapabilityEnd:
		return "capability_end"
	}
	return "unknown"
}

// Origin says which agent produced a chunk. A Leaf chunk comes from the
// top-level coordinator and is part of the user-visible answer; a Delegated
// chunk comes from a member working on the coordinator's behalf.
type Origin struct {
	owner     string
	delegated bool
}

// Leaf is output of the top-level agent.
func Leaf(owner string) Origin { return Origin{owner: owner} }

// Delegated is output of a member agent.
func Delegated(owner string) Origin { return Origin{owner: owner, delegated: true} }

func (o Origin) Owner() string     { return o.owner }
func (o Origin) IsDelegated() bool { return o.delegated }

// Chunk is one unit of a run's output, in production order.
type Chunk struct {
	Kind ChunkKind
	Text string
	// Origin of the chunk. For capability boundaries it is the agent that
	// invoked the capability.
	Origin Origin
	// Capability names the tool or member for boundary chunks.
	Capability string
}

// Final reports whether c belongs to the user-visible answer.
func (c Chunk) Final() bool {
	return c.Kind == ChunkContent && !c.Origin.IsDelegated()
}

// Usage is cumulative token usage of one handle.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// Add returns u plus o.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// MediaKind is the kind of a binary attachment.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Media is an attachment passed to the engine.
type Media struct {
	Kind     MediaKind
	Name     string
	MimeType string
	Data     []byte
}

// RunRequest is the input of one run.
type RunRequest struct {
	Message string
	// UserID is only set when the handle's descriptor declares passthrough.
	UserID string
	Media  []Media
}

// Resource is something a handle owns exclusively and must give back when
// the session ends, such as an execution sandbox or a remote engine handle.
type Resource interface {
	Name() string
	Release(ctx context.Context) error
}

// Handle is a stateful conversational engine bound to one session. A handle
// must not be run concurrently; implementations reject a second concurrent
// Run with ErrBusy.
type Handle interface {
	Descriptor() Descriptor
	// Run streams the response to one message. The sequence ends after the
	// last chunk, or with a single non-nil error. The engine waits for the
	// consumer between chunks.
	Run(ctx context.Context, req RunRequest) iter.Seq2[Chunk, error]
	// Usage is cumulative for the life of the handle and never decreases.
	Usage() Usage
	Resources() []Resource
}

// ErrBusy is returned by Run while another run on the same handle is active.
var ErrBusy = errors.New("agent: run already in progress")

// DescriptorVersion is the current Descriptor layout.
const DescriptorVersion = 1

// Descriptor declares what a handle supports, fixed at construction.
type Descriptor struct {
	Version           int         `json:"version"`
	Coordinator       string      `json:"coordinator"`
	Capabilities      []string    `json:"capabilities"`
	Members           []string    `json:"members,omitempty"`
	MediaKinds        []MediaKind `json:"media_kinds,omitempty"`
	UserIDPassthrough bool        `json:"user_id_passthrough"`
	// DeferPersistence means the engine never saves turns itself; the caller
	// persists history when the session terminates.
	DeferPersistence bool `json:"defer_persistence"`
}

// Accepts reports whether media of kind k may be passed to Run.
func (d Descriptor) Accepts(k MediaKind) bool {
	return slices.Contains(d.MediaKinds, k)
}

// Has reports whether capability name is enabled.
func (d Descriptor) Has(name string) bool {
	return slices.Contains(d.Capabilities, name)
}
