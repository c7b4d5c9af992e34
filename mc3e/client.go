// Package mc3e implements a Mitsubishi MC protocol client for Q-series
// PLCs: 3E frames, ASCII encoding, over TCP. One Client owns one socket;
// pooling and reconnection belong to the caller.
package mc3e

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultPort is the conventional MELSEC Ethernet module port.
const DefaultPort = 5007

// Client is a single TCP connection to one PLC. All exchanges are
// serialized on the connection; concurrent callers queue on the internal
// lock.
type Client struct {
	mu             sync.Mutex
	conn           net.Conn
	host           string
	port           int
	connectTimeout time.Duration
	readTimeout    time.Duration
	healthy        bool
	errorCount     int
}

// Option configures a Client.
type Option func(*Client)

// WithPort sets the PLC TCP port.
func WithPort(port int) Option {
	return func(c *Client) {
		if port > 0 {
			c.port = port
		}
	}
}

// WithConnectTimeout bounds the TCP dial.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithReadTimeout bounds each request/response exchange.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.readTimeout = d
		}
	}
}

// NewClient returns an unconnected client for the given PLC host.
func NewClient(host string, opts ...Option) *Client {
	c := &Client{
		host:           host,
		port:           DefaultPort,
		connectTimeout: 5 * time.Second,
		readTimeout:    3 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the host:port this client targets.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Connect dials the PLC. Connecting an already-connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	d := net.Dialer{Timeout: c.connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr())
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, c.Addr(), err)
	}
	c.conn = conn
	c.healthy = true
	c.errorCount = 0
	return nil
}

// Disconnect closes the socket. Safe to call repeatedly.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsHealthy reports whether the client holds a usable connection.
func (c *Client) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy && c.conn != nil
}

// MarkError records one caller-observed failure during this client's
// tenure. The pool reads the count on release.
func (c *Client) MarkError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}

// ErrorCount returns failures recorded since the last reset.
func (c *Client) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount
}

// ResetErrorCount clears the tenure error counter.
func (c *Client) ResetErrorCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount = 0
}

// ReadSingle reads one address and returns its typed value.
func (c *Client) ReadSingle(addr string) (Value, error) {
	p, err := ParseAddress(addr)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrRead, err)
	}
	return c.readParsed(p)
}

// ReadBatch reads every address, grouping plain addresses into continuous
// runs. Unparseable addresses and per-address failures land in the error
// map keyed by normalized address; the value map carries whatever
// succeeded. Both maps are returned even when partial.
func (c *Client) ReadBatch(addrs []string) (map[string]Value, map[string]string) {
	values := make(map[string]Value, len(addrs))
	errs := make(map[string]string)

	parsed := make([]*ParsedAddress, 0, len(addrs))
	for _, addr := range addrs {
		p, err := ParseAddress(addr)
		if err != nil {
			errs[addr] = err.Error()
			continue
		}
		parsed = append(parsed, p)
	}

	for _, run := range GroupContinuousAddresses(parsed) {
		vals, err := c.readRun(run)
		if err == nil {
			for k, v := range vals {
				values[k] = v
			}
			continue
		}

		// Run failed. A dead socket fails everything; otherwise retry each
		// address individually so one bad device does not poison the run.
		if !c.IsHealthy() {
			for _, a := range run.Addrs {
				errs[a.Raw] = err.Error()
			}
			continue
		}
		for _, a := range run.Addrs {
			v, aerr := c.readParsed(a)
			if aerr != nil {
				errs[a.Raw] = aerr.Error()
				continue
			}
			values[a.Raw] = v
		}
	}
	return values, errs
}

func (c *Client) readParsed(p *ParsedAddress) (Value, error) {
	run := Run{Family: p.Family, Start: p.Number, Count: 1, Addrs: []*ParsedAddress{p}}
	vals, err := c.readRun(run)
	if err != nil {
		return Value{}, err
	}
	return vals[p.Raw], nil
}

// readRun issues one batch-read command and distributes the decoded points
// to the run's addresses.
func (c *Client) readRun(r Run) (map[string]Value, error) {
	if IsBitFamily(r.Family) {
		for _, a := range r.Addrs {
			if a.HasBit {
				return nil, fmt.Errorf("%w: bit suffix on bit device %q", ErrRead, a.Raw)
			}
		}
	}

	frame, err := buildReadFrame(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}

	raw, err := c.exchange(frame)
	if err != nil {
		return nil, err
	}
	data, err := parseReadResponse(raw)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Value, len(r.Addrs))
	if IsBitFamily(r.Family) {
		bits, err := decodeBits(data, r.Count)
		if err != nil {
			return nil, err
		}
		for _, a := range r.Addrs {
			out[a.Raw] = BoolValue(bits[a.Number-r.Start])
		}
		return out, nil
	}

	words, err := decodeWords(data, r.Count)
	if err != nil {
		return nil, err
	}
	for _, a := range r.Addrs {
		w := words[a.Number-r.Start]
		if a.HasBit {
			out[a.Raw] = BoolValue(uint16(w)>>a.Bit&1 == 1)
		} else {
			out[a.Raw] = IntValue(int64(w))
		}
	}
	return out, nil
}

// exchange writes one request frame and reads one response frame under the
// per-operation deadline. Socket errors mark the client unhealthy.
func (c *Client) exchange(frame []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.healthy {
		return nil, ErrNotConnected
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.readTimeout)); err != nil {
		c.healthy = false
		return nil, fmt.Errorf("%w: set deadline: %v", ErrConnection, err)
	}

	if _, err := c.conn.Write(frame); err != nil {
		c.healthy = false
		return nil, classifyIOError(err, "write")
	}

	header := make([]byte, respHeaderLen)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		c.healthy = false
		return nil, classifyIOError(err, "read header")
	}

	n, err := strconv.ParseUint(string(header[14:18]), 16, 32)
	if err != nil {
		// Length field is garbage; the stream can no longer be trusted.
		c.healthy = false
		return nil, fmt.Errorf("%w: bad length field %q", ErrRead, string(header[14:18]))
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		c.healthy = false
		return nil, classifyIOError(err, "read body")
	}
	return append(header, body...), nil
}
