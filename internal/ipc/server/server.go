// Package server implements the broker side of the local IPC transport
// (C7): a Unix-domain-socket listener speaking newline-delimited JSON,
// multiplexing many client connections onto one broker instance.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browserkit/broker/internal/types"
)

// Handler processes one decoded request and returns a result to encode,
// or an error to map via types.CodeForError.
type Handler func(ctx context.Context, workerID string, req types.Request) (interface{}, error)

// Disconnecter is notified when a worker connection drops, so owned
// sessions can be torn down.
type Disconnecter func(workerID string)

// Server owns the listening socket and the set of active connections.
type Server struct {
	socketPath string
	handler    Handler
	onDisconnect Disconnecter

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*conn
	nextID   atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Options configures a Server.
type Options struct {
	SocketPath   string
	Handler      Handler
	OnDisconnect Disconnecter
}

// New constructs a Server. Call Serve to begin accepting connections.
func New(opts Options) *Server {
	return &Server{
		socketPath:   opts.SocketPath,
		handler:      opts.Handler,
		onDisconnect: opts.OnDisconnect,
		conns:        make(map[string]*conn),
		stopCh:       make(chan struct{}),
	}
}

// Serve removes any stale socket file, binds the listener, and accepts
// connections until Close is called. It blocks until the listener stops.
func (s *Server) Serve() error {
	if err := os.RemoveAll(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Info().Str("socket", s.socketPath).Msg("ipc server listening")

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				log.Error().Err(err).Msg("ipc accept failed")
				return err
			}
		}
		s.wg.Add(1)
		go s.handleConn(c)
	}
}

type conn struct {
	id            string
	netConn       net.Conn
	writeMu       sync.Mutex
	lastHeartbeat atomic.Int64
}

func (s *Server) handleConn(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	workerID := "worker-" + strconv.FormatUint(s.nextID.Add(1), 10)
	c := &conn{id: workerID, netConn: netConn}
	c.lastHeartbeat.Store(time.Now().UnixNano())

	s.mu.Lock()
	s.conns[workerID] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, workerID)
		s.mu.Unlock()
		if s.onDisconnect != nil {
			s.onDisconnect(workerID)
		}
		log.Debug().Str("worker_id", workerID).Msg("ipc worker disconnected")
	}()

	if err := c.writeResponse(types.Response{
		ID:     "init",
		Result: mustMarshal(types.InitResult{WorkerID: workerID}),
	}); err != nil {
		log.Debug().Err(err).Msg("ipc init write failed")
		return
	}

	scanner := bufio.NewScanner(netConn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req types.Request
		if err := json.Unmarshal(line, &req); err != nil {
			c.writeResponse(types.Response{Error: &types.ResponseError{
				Code:    types.CodeParseError,
				Message: "invalid JSON request",
			}})
			continue
		}
		s.dispatch(c, workerID, req)
	}
}

func (s *Server) dispatch(c *conn, workerID string, req types.Request) {
	c.lastHeartbeat.Store(time.Now().UnixNano())

	if req.Method == "worker/heartbeat" {
		c.writeResponse(types.Response{ID: req.ID, Result: mustMarshal(map[string]interface{}{"ok": true, "timestamp": time.Now().UnixMilli()})})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := s.handler(ctx, workerID, req)
	if err != nil {
		code, msg := types.CodeForError(err)
		c.writeResponse(types.Response{ID: req.ID, Error: &types.ResponseError{Code: code, Message: msg}})
		return
	}
	c.writeResponse(types.Response{ID: req.ID, Result: mustMarshal(result)})
}

func (c *conn) writeResponse(resp types.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.netConn.Write(data)
	return err
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// ActiveWorkers returns the currently connected worker ids.
func (s *Server) ActiveWorkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// LastHeartbeat returns the last heartbeat time for a worker, if connected.
func (s *Server) LastHeartbeat(workerID string) (time.Time, bool) {
	s.mu.Lock()
	c, ok := s.conns[workerID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, c.lastHeartbeat.Load()), true
}

// Close stops accepting new connections and closes all active ones.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)

	s.mu.Lock()
	ln := s.listener
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var closeErr error
	if ln != nil {
		closeErr = ln.Close()
	}
	for _, c := range conns {
		c.netConn.Close()
	}
	s.wg.Wait()

	if err := os.RemoveAll(s.socketPath); err != nil && !os.IsNotExist(err) {
		return errors.Join(closeErr, err)
	}
	return closeErr
}
