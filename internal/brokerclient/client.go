// Package brokerclient implements the engine side of the broker command
// protocol (§6): request/response messages identified by a monotonically
// increasing req id on a single duplex channel. The transport is newline
// delimited JSON over any io.ReadWriteCloser (a Unix socket or pipe in
// production, an in-memory pipe in tests).
//
// Grounded on internal/smtpconn.C's connection-wrapper style (one small
// struct owning a single connection, explicit error wrapping) generalized
// to a bidirectional RPC client since the broker has no teacher equivalent
// — it is specified only at the interface in §6.
package brokerclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/relaymta/relaymta/internal/delivery"
)

// envelope is the wire frame for both requests and responses.
type envelope struct {
	Req     uint64          `json:"req"`
	Cmd     string          `json:"cmd,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client is a single connection to the broker, shared by every Zone Worker
// in one process (the broker multiplexes by the `req` id, not by
// connection).
type Client struct {
	enc *json.Encoder
	br  *bufio.Reader
	wMu sync.Mutex

	nextReq uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan envelope

	closeOnce sync.Once
	closed    chan struct{}
	conn      io.ReadWriteCloser
}

// New wraps conn (already connected to the broker) in a Client and starts
// its background read loop.
func New(conn io.ReadWriteCloser) *Client {
	c := &Client{
		enc:     json.NewEncoder(conn),
		br:      bufio.NewReader(conn),
		pending: make(map[uint64]chan envelope),
		closed:  make(chan struct{}),
		conn:    conn,
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	dec := json.NewDecoder(c.br)
	for {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			c.failAllPending(err)
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[env.Req]
		if ok {
			delete(c.pending, env.Req)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for req, ch := range c.pending {
		ch <- envelope{Req: req, Error: fmt.Sprintf("broker connection closed: %v", err)}
		delete(c.pending, req)
	}
}

// Close shuts down the underlying transport. In-flight calls return an
// error.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// call sends cmd/payload and blocks for the matching response, respecting
// ctx cancellation. It is the single suspension point (§5) every broker
// RPC funnels through.
func (c *Client) call(ctx context.Context, cmd string, payload interface{}) (json.RawMessage, error) {
	req := atomic.AddUint64(&c.nextReq, 1)

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("brokerclient: marshal %s payload: %w", cmd, err)
	}

	respCh := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending[req] = respCh
	c.pendingMu.Unlock()

	c.wMu.Lock()
	sendErr := c.enc.Encode(envelope{Req: req, Cmd: cmd, Payload: raw})
	c.wMu.Unlock()
	if sendErr != nil {
		c.pendingMu.Lock()
		delete(c.pending, req)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("brokerclient: send %s: %w", cmd, sendErr)
	}

	select {
	case env := <-respCh:
		if env.Error != "" {
			return nil, fmt.Errorf("brokerclient: %s: %s", cmd, env.Error)
		}
		return env.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("brokerclient: connection closed while waiting for %s", cmd)
	}
}

// Hello identifies the worker to the broker. Sent once, before the first
// GET.
func (c *Client) Hello(ctx context.Context, zone, id string) error {
	_, err := c.call(ctx, "HELLO", map[string]string{"zone": zone, "id": id})
	return err
}

// Get requests the next unit of work for this worker. A nil Delivery with
// a nil error means "no work" (empty `{}` response per §6).
func (c *Client) Get(ctx context.Context) (*delivery.Delivery, error) {
	raw, err := c.call(ctx, "GET", struct{}{})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "{}" || string(raw) == "null" {
		return nil, nil
	}
	var d delivery.Delivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("brokerclient: decode GET response: %w", err)
	}
	return &d, nil
}

// ReleaseRequest is the payload for RELEASE — a successful delivery
// attempt outcome for one recipient.
type ReleaseRequest struct {
	ID        string `json:"id"`
	Domain    string `json:"domain"`
	Recipient string `json:"recipient"`
	Seq       int    `json:"seq"`
	Status    string `json:"status"`
	Address   string `json:"address"`
	Lock      string `json:"_lock"`
}

// Release reports a successful delivery attempt. A false return (with nil
// error) means the presented lock was stale; per §5 this is logged but not
// fatal.
func (c *Client) Release(ctx context.Context, req ReleaseRequest) (bool, error) {
	raw, err := c.call(ctx, "RELEASE", req)
	if err != nil {
		return false, err
	}
	var resp struct {
		Released bool `json:"released"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, fmt.Errorf("brokerclient: decode RELEASE response: %w", err)
	}
	return resp.Released, nil
}

// DeferRequest is the payload for DEFER.
type DeferRequest struct {
	ID       string                 `json:"id"`
	Seq      int                    `json:"seq"`
	Lock     string                 `json:"_lock"`
	TTL      int64                  `json:"ttl"`
	Response string                 `json:"response"`
	Address  string                 `json:"address"`
	Category string                 `json:"category"`
	Updates  map[string]interface{} `json:"updates,omitempty"`
	Log      []string               `json:"log,omitempty"`
}

// Defer reports a temporary failure, asking the broker to retry after TTL
// seconds. Return semantics mirror Release.
func (c *Client) Defer(ctx context.Context, req DeferRequest) (bool, error) {
	raw, err := c.call(ctx, "DEFER", req)
	if err != nil {
		return false, err
	}
	var resp struct {
		Deferred bool `json:"deferred"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, fmt.Errorf("brokerclient: decode DEFER response: %w", err)
	}
	return resp.Deferred, nil
}

// BounceRequest is the payload for BOUNCE — a permanent-failure (or
// delayed-delivery) DSN submission.
type BounceRequest struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Zone        string    `json:"zone"`
	Interface   string    `json:"interface"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Seq         int       `json:"seq"`
	Headers     []byte    `json:"headers"`
	Address     string    `json:"address"`
	Name        string    `json:"name"`
	MXHostname  string    `json:"mxHostname"`
	ReturnPath  string    `json:"returnPath"`
	Category    string    `json:"category"`
	Time        string    `json:"time"`
	ArrivalDate string    `json:"arrivalDate"`
	Response    string    `json:"response"`
	FBL         string    `json:"fbl,omitempty"`
}

// Bounce submits a DSN resubmission request.
func (c *Client) Bounce(ctx context.Context, req BounceRequest) error {
	_, err := c.call(ctx, "BOUNCE", req)
	return err
}

// GetCache reads one key from the broker's shared key-value store. ok is
// false when the key is absent or expired.
func (c *Client) GetCache(ctx context.Context, key string) (value string, ok bool, err error) {
	raw, err := c.call(ctx, "GETCACHE", map[string]string{"key": key})
	if err != nil {
		return "", false, err
	}
	var resp struct {
		Value string `json:"value"`
		OK    bool   `json:"ok"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", false, fmt.Errorf("brokerclient: decode GETCACHE response: %w", err)
	}
	return resp.Value, resp.OK, nil
}

// SetCache writes key=value with the given TTL (seconds). Entries are
// idempotent, so no transaction is required (§5).
func (c *Client) SetCache(ctx context.Context, key, value string, ttlSeconds int64) error {
	_, err := c.call(ctx, "SETCACHE", map[string]interface{}{
		"key": key, "value": value, "ttl": ttlSeconds,
	})
	return err
}

// ClearCache removes key, e.g. on the first successful connect after a
// cached connect failure (§4.5).
func (c *Client) ClearCache(ctx context.Context, key string) error {
	_, err := c.call(ctx, "CLEARCACHE", map[string]string{"key": key})
	return err
}
