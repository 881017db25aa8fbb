// Package socket serves committed archive data to clients over length-prefixed
// protobuf frames on a stream socket.
package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gatewaylog/internal/archive"
	"gatewaylog/internal/domain"
	"gatewaylog/internal/hashroute"
)

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	// Workers is the number of replay workers. Requests for one session always
	// go to the same worker.
	Workers   int
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

type Server struct {
	cfg     Config
	engine  Engine
	log     *slog.Logger
	router  *hashroute.Router
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	partQ   []chan queuedRequest
	stop    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[*connection]struct{}
}

type queuedRequest struct {
	ctx     context.Context
	req     *Request
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *Response
	inflight chan struct{}
	done     chan struct{}
}

func NewServer(cfg Config, engine Engine) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		log:     cfg.Logger,
		router:  hashroute.NewRouter(cfg.Workers),
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		partQ:   make([]chan queuedRequest, cfg.Workers),
		stop:    make(chan struct{}),
		conns:   make(map[*connection]struct{}),
	}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start listens and serves until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return ln.Close()
	}
	s.ln = ln
	s.mu.Unlock()
	s.addr.Store(ln.Addr().String())
	s.log.Info("replay server listening", "network", s.cfg.Network, "address", ln.Addr().String(), "workers", s.cfg.Workers)

	for i := range s.partQ {
		s.wg.Add(1)
		go s.runPartitionWorker(s.partQ[i])
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stop)
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for conn := range s.conns {
		_ = conn.c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{
		c:        raw,
		writerQ:  make(chan *Response, 256),
		inflight: make(chan struct{}, s.cfg.MaxInflight),
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			close(conn.done)
			_ = raw.Close()
		}()
		s.readLoop(ctx, conn)
	}()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for {
		select {
		case res := <-conn.writerQ:
			payload, err := MarshalMessage(res)
			if err != nil {
				s.log.Warn("dropping unencodable response", "request_id", res.RequestId, "err", err)
				continue
			}
			if err := WriteFrame(w, payload); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		case <-conn.done:
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrEmptyFrame) {
				s.log.Warn("closing connection on bad frame", "remote", conn.c.RemoteAddr().String(), "err", err)
			}
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &Response{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, overloaded(req, "connection inflight limit exceeded"))
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, overloaded(req, "server queue overloaded"))
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.partQ[s.partitionFor(req)]
		select {
		case q <- qr:
		default:
			qr.release()
			s.send(conn, overloaded(req, "worker queue overloaded"))
		}
	}
}

func (s *Server) runPartitionWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for {
		select {
		case req := <-q:
			res := s.handleRequest(req.ctx, req.req)
			req.release()
			s.send(req.conn, res)
		case <-s.stop:
			return
		}
	}
}

// send never blocks; a response for a closed or stalled connection is dropped.
func (s *Server) send(conn *connection, res *Response) {
	select {
	case <-conn.done:
	case conn.writerQ <- res:
	default:
	}
}

func overloaded(req *Request, msg string) *Response {
	return &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: msg}
}

func (s *Server) partitionFor(req *Request) int {
	if req.Replay == nil {
		return 0
	}
	return s.router.EnsureRoute(replayKey(req.Replay), time.Now().UnixMilli()).Partition
}

func replayKey(q *ReplayRequest) domain.SessionKey {
	return domain.SessionKey{Stream: domain.NewStreamIdentifier(q.Channel, q.StreamId), SessionID: q.SessionId}
}

func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	res := &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg := s.engine.Health(ctx)
		res.Health = &HealthResponse{Ok: ok, Message: msg}
	case OperationStatus:
		st := s.engine.Status(ctx)
		res.Status = &StatusResponse{
			NodeId:         int32(st.NodeID),
			Role:           st.Role.String(),
			Term:           st.Term,
			Leader:         int32(st.Leader),
			CommitPosition: st.CommitPosition,
		}
	case OperationReplay:
		return s.handleReplay(ctx, req, res)
	default:
		return &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: "unknown operation"}
	}
	return res
}

func (s *Server) handleReplay(ctx context.Context, req *Request, res *Response) *Response {
	q := req.Replay
	out, err := s.engine.Replay(ctx, ReplayQuery{Key: replayKey(q), From: q.FromPosition, MaxFragments: int(q.MaxFragments)})
	if err != nil {
		res.ErrorCode, res.ErrorMessage = int32(replayErrorCode(err)), err.Error()
		if res.ErrorCode == int32(ErrorCodeInternal) {
			s.log.Error("replay failed", "request_id", req.RequestId, "session", replayKey(q), "from", q.FromPosition, "err", err)
		}
		return res
	}
	res.Replay = &ReplayResponse{
		NextPosition:   out.Next,
		CommitPosition: out.Commit,
		Complete:       out.Next >= out.Commit,
	}
	for _, f := range out.Fragments {
		res.Replay.Fragments = append(res.Replay.Fragments, &ReplayFragment{
			StartPosition: f.StartPosition,
			Position:      f.Position,
			TemplateId:    uint32(f.TemplateID),
			Body:          f.Body,
		})
	}
	return res
}

func replayErrorCode(err error) ErrorCode {
	switch {
	case errors.Is(err, archive.ErrNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, archive.ErrOutOfRange):
		return ErrorCodeOutOfRange
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeOverloaded
	default:
		return ErrorCodeInternal
	}
}

// DialAndRequest sends one request on a new connection and waits for the reply.
func DialAndRequest(ctx context.Context, network, address string, req *Request) (*Response, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}
