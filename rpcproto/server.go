package rpcproto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gliderlab/aiosgate/agent"
	"github.com/gliderlab/aiosgate/pkg/logging"
)

// Server exposes an agent.Factory over gRPC. Each Open creates one handle that
// lives until Close or ReleaseAll.
type Server struct {
	factory agent.Factory
	log     *zap.Logger

	mu      sync.Mutex
	handles map[string]agent.Handle
}

func NewServer(factory agent.Factory, log *zap.Logger) *Server {
	return &Server{
		factory: factory,
		log:     logging.OrNop(log).Named("rpc"),
		handles: make(map[string]agent.Handle),
	}
}

// Register adds the Agent service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) Open(ctx context.Context, args *OpenArgs) (*OpenReply, error) {
	if args.Identity.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "identity required")
	}
	h, err := s.factory.Create(ctx, args.Identity, args.Config)
	if err != nil {
		return nil, toStatus(err)
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.handles[id] = h
	n := len(s.handles)
	s.mu.Unlock()
	s.log.Info("handle opened",
		zap.String("handle_id", id),
		zap.String("user_id", args.Identity.ID),
		zap.Strings("capabilities", h.Descriptor().Capabilities),
		zap.Int("open", n),
	)
	return &OpenReply{HandleID: id, Descriptor: h.Descriptor()}, nil
}

func (s *Server) lookup(id string) (agent.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown handle %q", id)
	}
	return h, nil
}

// Run streams the chunks of one run and always ends with a usage message.
func (s *Server) Run(args *RunArgs, stream grpc.ServerStream) error {
	h, err := s.lookup(args.HandleID)
	if err != nil {
		return err
	}
	var runErr error
	for c, err := range h.Run(stream.Context(), args.request()) {
		if err != nil {
			runErr = err
			break
		}
		if err := stream.SendMsg(newRunChunk(c)); err != nil {
			return err
		}
	}
	u := h.Usage()
	if err := stream.SendMsg(&RunChunk{Usage: &u}); err != nil {
		return err
	}
	if runErr != nil {
		s.log.Warn("run failed", zap.String("handle_id", args.HandleID), zap.Error(runErr))
		return toStatus(runErr)
	}
	return nil
}

func (s *Server) Usage(_ context.Context, args *HandleArgs) (*UsageReply, error) {
	h, err := s.lookup(args.HandleID)
	if err != nil {
		return nil, err
	}
	return &UsageReply{Usage: h.Usage()}, nil
}

// Close releases a handle's resources and forgets it.
func (s *Server) Close(ctx context.Context, args *HandleArgs) (*UsageReply, error) {
	s.mu.Lock()
	h, ok := s.handles[args.HandleID]
	delete(s.handles, args.HandleID)
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown handle %q", args.HandleID)
	}
	u := h.Usage()
	if err := release(ctx, h); err != nil {
		s.log.Error("release failed", zap.String("handle_id", args.HandleID), zap.Error(err))
		return &UsageReply{Usage: u}, status.Error(codes.Internal, err.Error())
	}
	s.log.Info("handle closed", zap.String("handle_id", args.HandleID), zap.Int64("tokens", u.Total()))
	return &UsageReply{Usage: u}, nil
}

// ReleaseAll releases every open handle. Used on shutdown.
func (s *Server) ReleaseAll(ctx context.Context) error {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]agent.Handle)
	s.mu.Unlock()

	var errs []error
	for id, h := range handles {
		if err := release(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of open handles.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func release(ctx context.Context, h agent.Handle) error {
	var errs []error
	for _, r := range h.Resources() {
		if err := r.Release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
	}
	return errors.Join(errs...)
}

const busyMessage = "run already in progress"

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var cfgErr *agent.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return status.Error(codes.InvalidArgument, cfgErr.Error())
	case errors.Is(err, agent.ErrBusy):
		return status.Error(codes.FailedPrecondition, busyMessage)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// fromStatus maps a status error back to the agent package's errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return &agent.ConfigurationError{Err: errors.New(st.Message())}
	case codes.FailedPrecondition:
		if strings.Contains(st.Message(), busyMessage) {
			return agent.ErrBusy
		}
	case codes.DeadlineExceeded:
		return fmt.Errorf("remote agent: %w", context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("remote agent: %w", context.Canceled)
	}
	return fmt.Errorf("remote agent: %w", err)
}
