package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"context"
	"errors"
	"io"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"go.uber.org/zap"
)

const directMethod = "Calculator.Calculate"

// maxDirectTimeouts consecutive deadline expiries make a DirectTransport
// hang up, releasing the calls the rpc client still holds.
const maxDirectTimeouts = 3

var errDirectAbandoned = errors.New("connection abandoned after repeated timeouts")

// DirectServer serves the calculator over net/rpc with the JSON-RPC codec,
// for clients that talk to a server without a broker in between.
type DirectServer struct {
	rs     *rpc.Server
	logger *zap.Logger

	mutex    sync.Mutex
	listener net.Listener
	conns    map[io.ReadWriteCloser]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// Calculator is the net/rpc receiver of a DirectServer.
type Calculator struct {
	processor *Processor
}

// Calculate answers one request. Calculation failures travel inside resp,
// like they do over the broker.
func (c *Calculator) Calculate(req *CalculationRequest, resp *CalculationResponse) error {
	r, err := c.processor.Process(context.Background(), req)
	if r == nil {
		return err
	}
	*resp = *r
	return nil
}

// NewDirectServer returns a DirectServer computing through p.
func NewDirectServer(p *Processor, logger *zap.Logger) (*DirectServer, error) {
	if p == nil {
		return nil, errors.New("calcrpc.DirectServer: processor required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rs := rpc.NewServer()
	if err := rs.Register(&Calculator{processor: p}); err != nil {
		return nil, err
	}
	return &DirectServer{
		rs:     rs,
		logger: logger,
		conns:  make(map[io.ReadWriteCloser]struct{}),
	}, nil
}

// Serve accepts connections on lis until Close is called.
func (s *DirectServer) Serve(lis net.Listener) error {
	s.mutex.Lock()
	if s.closing {
		s.mutex.Unlock()
		return ErrClosed
	}
	s.listener = lis
	s.mutex.Unlock()

	s.logger.Info("serving direct calculator", zap.String("addr", lis.Addr().String()))
	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mutex.Lock()
			closing := s.closing
			s.mutex.Unlock()
			if closing {
				return nil
			}
			return err
		}
		s.logger.Debug("direct client connected", zap.String("remote", conn.RemoteAddr().String()))
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go func() {
			defer s.untrack(conn)
			s.rs.ServeCodec(jsonrpc.NewServerCodec(conn))
		}()
	}
}

// ServeConn serves a single connection and blocks until the client hangs up.
func (s *DirectServer) ServeConn(conn io.ReadWriteCloser) {
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)
	s.rs.ServeCodec(jsonrpc.NewServerCodec(conn))
}

func (s *DirectServer) track(conn io.ReadWriteCloser) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *DirectServer) untrack(conn io.ReadWriteCloser) {
	s.mutex.Lock()
	delete(s.conns, conn)
	s.mutex.Unlock()
	s.wg.Done()
}

// Close stops accepting connections, hangs up on connected clients and
// waits for their handlers to return.
func (s *DirectServer) Close() error {
	s.mutex.Lock()
	if s.closing {
		s.mutex.Unlock()
		return nil
	}
	s.closing = true
	lis := s.listener
	conns := make([]io.ReadWriteCloser, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mutex.Unlock()

	var err error
	if lis != nil {
		err = lis.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("direct calculator stopped")
	return err
}

// DirectTransport is the Transport talking to a DirectServer.
type DirectTransport struct {
	client *rpc.Client

	mutex     sync.Mutex
	closing   bool
	abandoned bool
	timeouts  int
}

// DialDirect connects to the DirectServer at addr.
func DialDirect(addr string, timeout time.Duration) (*DirectTransport, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, transportError("dial", err)
	}
	return NewDirectTransport(conn), nil
}

// NewDirectTransport speaks JSON-RPC over conn.
func NewDirectTransport(conn io.ReadWriteCloser) *DirectTransport {
	return &DirectTransport{client: jsonrpc.NewClient(conn)}
}

// RoundTrip sends req and waits for its response or for ctx to end. net/rpc
// matches the response to the call; a response arriving after ctx ended is
// discarded by the rpc client. The rpc client keeps an unanswered call until
// the connection ends, so after maxDirectTimeouts deadlines in a row without
// a response the transport hangs up and later calls fail with ErrTransport.
func (t *DirectTransport) RoundTrip(ctx context.Context, req *CalculationRequest) (*CalculationResponse, error) {
	resp := new(CalculationResponse)
	call := t.client.Go(directMethod, req, resp, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error != nil {
			return nil, t.callError(call.Error)
		}
		t.mutex.Lock()
		t.timeouts = 0
		t.mutex.Unlock()
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			t.timedOut()
		}
		return nil, ctx.Err()
	}
}

func (t *DirectTransport) timedOut() {
	t.mutex.Lock()
	t.timeouts++
	abandon := t.timeouts >= maxDirectTimeouts && !t.abandoned && !t.closing
	if abandon {
		t.abandoned = true
	}
	t.mutex.Unlock()
	if abandon {
		t.client.Close()
	}
}

func (t *DirectTransport) callError(err error) error {
	t.mutex.Lock()
	closing, abandoned := t.closing, t.abandoned
	t.mutex.Unlock()
	switch {
	case closing && errors.Is(err, rpc.ErrShutdown):
		return ErrClosed
	case abandoned && errors.Is(err, rpc.ErrShutdown):
		return transportError("direct call", errDirectAbandoned)
	}
	return transportError("direct call", err)
}

// Close hangs up. Calls in flight fail with ErrClosed.
func (t *DirectTransport) Close() error {
	t.mutex.Lock()
	if t.closing {
		t.mutex.Unlock()
		return nil
	}
	t.closing = true
	abandoned := t.abandoned
	t.mutex.Unlock()
	if abandoned {
		return nil
	}
	err := t.client.Close()
	if errors.Is(err, rpc.ErrShutdown) {
		return nil
	}
	return err
}
