// Package client implements the consumer side of the local IPC transport
// (C8): a single outbound connection to the broker with correlation-id
// request matching and reconnect-with-backoff.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browserkit/broker/internal/types"
)

// Event names emitted on the client's event channel.
const (
	EventReconnect       = "reconnect"
	EventReconnectFailed = "reconnect_failed"
)

// Options configures a Client.
type Options struct {
	SocketPath        string
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

type pending struct {
	resultCh chan types.Response
}

// Client maintains one connection to the broker, reconnecting on drop.
type Client struct {
	opts Options

	mu       sync.Mutex
	conn     net.Conn
	writeMu  sync.Mutex
	workerID string
	connected atomic.Bool

	pendingMu sync.Mutex
	reqPending map[string]*pending
	nextReqID  atomic.Uint64

	events chan string
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a disconnected Client. Call Connect to establish the
// socket connection.
func New(opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	return &Client{
		opts:       opts,
		reqPending: make(map[string]*pending),
		events:     make(chan string, 16),
		stopCh:     make(chan struct{}),
	}
}

// Events returns the channel on which reconnect lifecycle events are
// published.
func (c *Client) Events() <-chan string { return c.events }

// Connect dials the broker once, blocking up to ConnectTimeout, and starts
// the background read loop. It does not retry; callers that want
// reconnect-on-drop behavior get it automatically after a successful first
// connect.
func (c *Client) Connect(ctx context.Context) error {
	conn, workerID, err := c.dialAndInit(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.workerID = workerID
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *Client) dialAndInit(ctx context.Context) (net.Conn, string, error) {
	dialer := net.Dialer{Timeout: c.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.opts.SocketPath)
	if err != nil {
		return nil, "", fmt.Errorf("ipc connect: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("ipc init: %w", err)
	}
	var resp types.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("ipc init decode: %w", err)
	}
	var init types.InitResult
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("ipc init payload: %w", err)
	}

	// Re-wrap so the read loop owns a fresh bufio.Reader over the same
	// conn without losing bytes already buffered past the init line.
	return &prebufferedConn{Conn: conn, reader: reader}, init.WorkerID, nil
}

// prebufferedConn lets the read loop continue from a bufio.Reader that has
// already consumed the init line, instead of re-wrapping raw conn bytes.
type prebufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	var reader *bufio.Reader
	if pc, ok := conn.(*prebufferedConn); ok {
		reader = pc.reader
	} else {
		reader = bufio.NewReader(conn)
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp types.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Debug().Err(err).Msg("ipc client: malformed response")
			continue
		}
		c.resolvePending(resp)
	}

	c.connected.Store(false)
	c.failAllPending(types.ErrNotConnected)
	select {
	case <-c.stopCh:
		return
	default:
		c.reconnectLoop()
	}
}

func (c *Client) resolvePending(resp types.Response) {
	c.pendingMu.Lock()
	p, ok := c.reqPending[resp.ID]
	if ok {
		delete(c.reqPending, resp.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		p.resultCh <- resp
	}
}

func (c *Client) failAllPending(cause error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, p := range c.reqPending {
		code, msg := types.CodeForError(cause)
		p.resultCh <- types.Response{ID: id, Error: &types.ResponseError{Code: code, Message: msg}}
		delete(c.reqPending, id)
	}
}

func (c *Client) reconnectLoop() {
	attempts := c.opts.ReconnectAttempts
	for attempt := 1; attempts == 0 || attempt <= attempts; attempt++ {
		select {
		case <-c.stopCh:
			return
		case <-time.After(c.opts.ReconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		conn, workerID, err := c.dialAndInit(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("ipc reconnect failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.workerID = workerID
		c.mu.Unlock()
		c.connected.Store(true)

		select {
		case c.events <- EventReconnect:
		default:
		}

		c.wg.Add(1)
		go c.readLoop(conn)
		return
	}

	select {
	case c.events <- EventReconnectFailed:
	default:
	}
}

// Call sends a request and blocks until a matching response arrives, the
// request timeout elapses, or the client is not connected.
func (c *Client) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, types.ErrNotConnected
	}

	id := fmt.Sprintf("req-%d", c.nextReqID.Add(1))
	req := types.Request{ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	p := &pending{resultCh: make(chan types.Response, 1)}
	c.pendingMu.Lock()
	c.reqPending[id] = p
	c.pendingMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	_, writeErr := conn.Write(data)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.pendingMu.Lock()
		delete(c.reqPending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("ipc write: %w", writeErr)
	}

	timeout := c.opts.RequestTimeout
	select {
	case resp := <-p.resultCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s (code %d)", resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	case <-time.After(timeout):
		c.pendingMu.Lock()
		delete(c.reqPending, id)
		c.pendingMu.Unlock()
		return nil, types.ErrTimeout
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.reqPending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// WorkerID returns the id assigned by the broker on the current (or most
// recent) connection.
func (c *Client) WorkerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerID
}

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool { return c.connected.Load() }

// Close terminates the connection and stops any pending reconnect loop.
func (c *Client) Close() error {
	close(c.stopCh)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}
