package rpcproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/gliderlab/aiosgate/agent"
	"github.com/gliderlab/aiosgate/auth"
	"github.com/gliderlab/aiosgate/pkg/logging"
)

// Dial connects to an engine process listening on a unix socket and waits
// until the connection is ready.
func Dial(addr string, timeout time.Duration) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := grpc.NewClient(
		"unix://"+addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial failed: %w", err)
	}

	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return conn, nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			conn.Close()
			return nil, fmt.Errorf("grpc connection failed: %s", state)
		case connectivity.Idle:
			conn.Connect()
		}
		if !conn.WaitForStateChange(ctx, state) {
			conn.Close()
			return nil, fmt.Errorf("grpc connection timeout: still in %s state: %w", state, ctx.Err())
		}
	}
}

const usageRefreshTimeout = 5 * time.Second

// RemoteFactory builds handles in a separate engine process.
type RemoteFactory struct {
	conn grpc.ClientConnInterface
	opts []grpc.CallOption
	log  *zap.Logger
}

func NewRemoteFactory(conn grpc.ClientConnInterface, log *zap.Logger) *RemoteFactory {
	return &RemoteFactory{
		conn: conn,
		opts: []grpc.CallOption{grpc.CallContentSubtype(CodecName)},
		log:  logging.OrNop(log).Named("remote"),
	}
}

func (f *RemoteFactory) Create(ctx context.Context, id auth.Identity, cfg agent.Configuration) (agent.Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var reply OpenReply
	if err := f.conn.Invoke(ctx, methodOpen, &OpenArgs{Identity: id, Config: cfg}, &reply, f.opts...); err != nil {
		return nil, fromStatus(err)
	}
	h := &remoteHandle{factory: f, id: reply.HandleID, desc: reply.Descriptor}
	if reply.Descriptor.Version != agent.DescriptorVersion {
		err := fmt.Errorf("remote agent: descriptor version %d, want %d", reply.Descriptor.Version, agent.DescriptorVersion)
		if rerr := h.Release(context.WithoutCancel(ctx)); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, err
	}
	f.log.Debug("remote handle opened", zap.String("handle_id", h.id), zap.String("user_id", id.ID))
	return h, nil
}

// remoteHandle proxies a handle living in the engine process. It is also its
// own resource: releasing it closes the remote handle.
type remoteHandle struct {
	factory *RemoteFactory
	id      string
	desc    agent.Descriptor

	mu       sync.Mutex
	usage    agent.Usage
	released bool
}

func (h *remoteHandle) Descriptor() agent.Descriptor { return h.desc }

func (h *remoteHandle) Usage() agent.Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usage
}

func (h *remoteHandle) observe(u agent.Usage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usage.InputTokens = max(h.usage.InputTokens, u.InputTokens)
	h.usage.OutputTokens = max(h.usage.OutputTokens, u.OutputTokens)
}

func (h *remoteHandle) Resources() []agent.Resource { return []agent.Resource{h} }

func (h *remoteHandle) Name() string { return "remote:" + h.id }

func (h *remoteHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	var reply UsageReply
	if err := h.factory.conn.Invoke(ctx, methodClose, &HandleArgs{HandleID: h.id}, &reply, h.factory.opts...); err != nil {
		return fromStatus(err)
	}
	h.observe(reply.Usage)
	return nil
}

// refreshUsage asks the engine for the handle's usage. Run calls it when the
// stream ends before the usage trailer arrived.
func (h *remoteHandle) refreshUsage(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageRefreshTimeout)
	defer cancel()
	var reply UsageReply
	if err := h.factory.conn.Invoke(ctx, methodUsage, &HandleArgs{HandleID: h.id}, &reply, h.factory.opts...); err != nil {
		h.factory.log.Warn("usage refresh failed", zap.String("handle_id", h.id), zap.Error(fromStatus(err)))
		return
	}
	h.observe(reply.Usage)
}

func (h *remoteHandle) Run(ctx context.Context, req agent.RunRequest) iter.Seq2[agent.Chunk, error] {
	return func(yield func(agent.Chunk, error) bool) {
		var trailer bool
		defer func() {
			if !trailer {
				h.refreshUsage(ctx)
			}
		}()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := h.factory.conn.NewStream(ctx, &serviceDesc.Streams[0], methodRun, h.factory.opts...)
		if err != nil {
			yield(agent.Chunk{}, fromStatus(err))
			return
		}
		// io.EOF from SendMsg means the server already ended the stream;
		// RecvMsg reports why.
		if err := stream.SendMsg(newRunArgs(h.id, req)); err != nil && !errors.Is(err, io.EOF) {
			yield(agent.Chunk{}, fromStatus(err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(agent.Chunk{}, fromStatus(err))
			return
		}
		for {
			var msg RunChunk
			err := stream.RecvMsg(&msg)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(agent.Chunk{}, fromStatus(err))
				return
			}
			if msg.Usage != nil {
				trailer = true
				h.observe(*msg.Usage)
				continue
			}
			if !yield(msg.chunk(), nil) {
				return
			}
		}
	}
}

var (
	_ agent.Factory  = (*RemoteFactory)(nil)
	_ agent.Handle   = (*remoteHandle)(nil)
	_ agent.Resource = (*remoteHandle)(nil)
)
