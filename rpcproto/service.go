// Package rpcproto carries the agent engine over gRPC so it can run in a
// separate process. Messages are plain Go structs encoded with a JSON codec
// registered under the "json" content subtype.
package rpcproto

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/gliderlab/aiosgate/agent"
	"github.com/gliderlab/aiosgate/auth"
)

// CodecName is the content subtype both ends must use.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const (
	serviceName = "aiosgate.agent.Agent"
	methodOpen  = "/" + serviceName + "/Open"
	methodRun   = "/" + serviceName + "/Run"
	methodUsage = "/" + serviceName + "/Usage"
	methodClose = "/" + serviceName + "/Close"
)

// OpenArgs asks the engine process for a new handle.
type OpenArgs struct {
	Identity auth.Identity       `json:"identity"`
	Config   agent.Configuration `json:"config"`
}

type OpenReply struct {
	HandleID   string           `json:"handle_id"`
	Descriptor agent.Descriptor `json:"descriptor"`
}

type HandleArgs struct {
	HandleID string `json:"handle_id"`
}

type UsageReply struct {
	Usage agent.Usage `json:"usage"`
}

type Media struct {
	Kind     agent.MediaKind `json:"kind"`
	Name     string          `json:"name,omitempty"`
	MimeType string          `json:"mime_type,omitempty"`
	Data     []byte          `json:"data"`
}

type RunArgs struct {
	HandleID string  `json:"handle_id"`
	Message  string  `json:"message"`
	UserID   string  `json:"user_id,omitempty"`
	Media    []Media `json:"media,omitempty"`
}

func newRunArgs(handleID string, req agent.RunRequest) *RunArgs {
	args := &RunArgs{HandleID: handleID, Message: req.Message, UserID: req.UserID}
	for _, m := range req.Media {
		args.Media = append(args.Media, Media{Kind: m.Kind, Name: m.Name, MimeType: m.MimeType, Data: m.Data})
	}
	return args
}

func (a *RunArgs) request() agent.RunRequest {
	req := agent.RunRequest{Message: a.Message, UserID: a.UserID}
	for _, m := range a.Media {
		req.Media = append(req.Media, agent.Media{Kind: m.Kind, Name: m.Name, MimeType: m.MimeType, Data: m.Data})
	}
	return req
}

// RunChunk is one streamed chunk. The last message of every run, including a
// failed one, carries only Usage.
type RunChunk struct {
	Kind       agent.ChunkKind `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Owner      string          `json:"owner,omitempty"`
	Delegated  bool            `json:"delegated,omitempty"`
	Capability string          `json:"capability,omitempty"`
	Usage      *agent.Usage    `json:"usage,omitempty"`
}

func newRunChunk(c agent.Chunk) *RunChunk {
	return &RunChunk{
		Kind:       c.Kind,
		Text:       c.Text,
		Owner:      c.Origin.Owner(),
		Delegated:  c.Origin.IsDelegated(),
		Capability: c.Capability,
	}
}

func (c *RunChunk) chunk() agent.Chunk {
	origin := agent.Leaf(c.Owner)
	if c.Delegated {
		origin = agent.Delegated(c.Owner)
	}
	return agent.Chunk{Kind: c.Kind, Text: c.Text, Origin: origin, Capability: c.Capability}
}

// agentService is the server side of the Agent service.
type agentService interface {
	Open(context.Context, *OpenArgs) (*OpenReply, error)
	Run(*RunArgs, grpc.ServerStream) error
	Usage(context.Context, *HandleArgs) (*UsageReply, error)
	Close(context.Context, *HandleArgs) (*UsageReply, error)
}

func unary[Req, Resp any](method string, call func(agentService, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(agentService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(agentService), ctx, req.(*Req))
		})
	}
}

func runHandler(srv any, stream grpc.ServerStream) error {
	in := new(RunArgs)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(agentService).Run(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*agentService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Open", Handler: unary(methodOpen, agentService.Open)},
		{MethodName: "Usage", Handler: unary(methodUsage, agentService.Usage)},
		{MethodName: "Close", Handler: unary(methodClose, agentService.Close)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Run", Handler: runHandler, ServerStreams: true},
	},
	Metadata: "rpcproto/service.go",
}
