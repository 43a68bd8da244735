package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"ferry/internal/daemon"
	"ferry/internal/logging"
	"ferry/internal/queue"
	"ferry/internal/retention"
)

// serviceName prefixes every RPC method.
const serviceName = "Ferry"

// Controller is the daemon surface exposed over the socket.
type Controller interface {
	Status(ctx context.Context) daemon.Status
	ListQueue() []queue.Entry
	AddFile(path, tag string) (queue.Entry, bool, error)
	UploadNow(force bool) error
	RunRetention(ctx context.Context, pass string) ([]retention.Result, error)
}

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, c Controller, logger *slog.Logger) (*Server, error) {
	if c == nil {
		return nil, errors.New("ipc server requires a controller")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(serviceName, &service{ctl: c, logger: logger, ctx: serverCtx}); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"),
				)
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"),
		)
	}
}

type service struct {
	ctl    Controller
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	*resp = s.ctl.Status(s.ctx)
	return nil
}

func (s *service) QueueList(_ QueueListRequest, resp *QueueListResponse) error {
	resp.Entries = s.ctl.ListQueue()
	return nil
}

func (s *service) QueueAdd(req QueueAddRequest, resp *QueueAddResponse) error {
	if len(req.Paths) == 0 {
		return errors.New("queue add requires at least one path")
	}
	resp.Results = make([]QueueAddResult, 0, len(req.Paths))
	for _, path := range req.Paths {
		entry, created, err := s.ctl.AddFile(path, req.SourceTag)
		result := QueueAddResult{Path: path, Created: created}
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Path = entry.Path
		}
		resp.Results = append(resp.Results, result)
	}
	return nil
}

func (s *service) UploadNow(req UploadNowRequest, resp *UploadNowResponse) error {
	if err := s.ctl.UploadNow(req.Force); err != nil {
		resp.Message = err.Error()
		return nil
	}
	resp.Triggered = true
	resp.Message = "upload cycle requested"
	if !req.Force {
		resp.Message += "; skipped if outside operational hours"
	}
	s.logger.Info("upload requested via IPC",
		logging.String(logging.FieldEventType, "upload_requested"),
		logging.Bool("force", req.Force),
	)
	return nil
}

func (s *service) RetentionRun(req RetentionRunRequest, resp *RetentionRunResponse) error {
	s.logger.Info("retention requested via IPC",
		logging.String(logging.FieldEventType, "retention_requested"),
		logging.String(logging.FieldPass, req.Pass),
	)
	results, err := s.ctl.RunRetention(s.ctx, req.Pass)
	if err != nil {
		return err
	}
	resp.Results = results
	return nil
}
