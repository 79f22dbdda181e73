// Package remote is a vision engine reached over a websocket. Each
// capability call is one JSON request carrying the frame as a base64 JPEG,
// answered by one JSON response on the same connection.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/pipeline"
)

// Request operations.
const (
	OpDetect       = "detect"
	OpDetectRegion = "detect_region"
	OpTrack        = "track"
)

// ErrNoImage is returned for frames without pixel data.
var ErrNoImage = errors.New("remote: frame has no image")

// EngineError is an error reported by the remote engine itself. It is not
// retried.
type EngineError struct {
	Op      string
	Seq     uint64
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("remote %s frame %d: %s", e.Op, e.Seq, e.Message)
}

// Request is the wire request.
type Request struct {
	Op             string             `json:"op"`
	Seq            uint64             `json:"seq"`
	TimestampNanos int64              `json:"timestamp_nanos"`
	Orientation    string             `json:"orientation"`
	Image          string             `json:"image"`
	Region         *scan.Rect         `json:"region,omitempty"`
	Observations   []scan.Observation `json:"observations,omitempty"`
}

// Response is the wire response. Detect operations fill Observations,
// track fills Results.
type Response struct {
	Seq          uint64                 `json:"seq"`
	Observations []scan.Observation     `json:"observations,omitempty"`
	Results      []pipeline.TrackResult `json:"results,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// Config configures a Client.
type Config struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	JPEGQuality  int
}

// DefaultConfig returns timeouts suited to a LAN engine.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: time.Second,
		JPEGQuality:  85,
	}
}

// Stats counts client activity.
type Stats struct {
	Requests   uint64
	Dials      uint64
	Reconnects uint64
	Failures   uint64
}

// Client implements pipeline.Detector, pipeline.RegionDetector and
// pipeline.Tracker. Requests are serialised on one connection, which is
// dialled on first use and redialled once when an exchange fails.
type Client struct {
	cfg    Config
	dialer websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	requests   atomic.Uint64
	dials      atomic.Uint64
	reconnects atomic.Uint64
	failures   atomic.Uint64
}

// NewClient validates cfg. No connection is made until the first request.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote: engine URL not configured")
	}
	if cfg.ReadTimeout <= 0 || cfg.WriteTimeout <= 0 {
		return nil, fmt.Errorf("remote: read and write timeouts must be positive")
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return nil, fmt.Errorf("remote: jpeg quality %d outside [1,100]", cfg.JPEGQuality)
	}
	return &Client{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}, nil
}

// Detect implements pipeline.Detector.
func (c *Client) Detect(ctx context.Context, f scan.Frame) ([]scan.Observation, error) {
	resp, err := c.call(ctx, OpDetect, f, func(r *Request) {})
	if err != nil {
		return nil, err
	}
	return resp.Observations, nil
}

// DetectRegion implements pipeline.RegionDetector.
func (c *Client) DetectRegion(ctx context.Context, f scan.Frame, region scan.Rect) ([]scan.Observation, error) {
	resp, err := c.call(ctx, OpDetectRegion, f, func(r *Request) { r.Region = &region })
	if err != nil {
		return nil, err
	}
	return resp.Observations, nil
}

// Track implements pipeline.Tracker.
func (c *Client) Track(ctx context.Context, f scan.Frame, previous []scan.Observation) ([]pipeline.TrackResult, error) {
	resp, err := c.call(ctx, OpTrack, f, func(r *Request) { r.Observations = previous })
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Stats returns a snapshot of the counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:   c.requests.Load(),
		Dials:      c.dials.Load(),
		Reconnects: c.reconnects.Load(),
		Failures:   c.failures.Load(),
	}
}

// Close closes the connection, if any. The client redials on next use.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) call(ctx context.Context, op string, f scan.Frame, fill func(*Request)) (Response, error) {
	if f.Image == nil {
		return Response{}, ErrNoImage
	}
	img, err := encodeImage(f, c.cfg.JPEGQuality)
	if err != nil {
		return Response{}, err
	}
	req := Request{
		Op:             op,
		Seq:            f.Seq,
		TimestampNanos: f.Timestamp.UnixNano(),
		Orientation:    f.Orientation.String(),
		Image:          img,
	}
	fill(&req)
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("remote: encode %s request: %w", op, err)
	}
	c.requests.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		if attempt > 0 {
			c.reconnects.Add(1)
		}
		conn, err := c.connect(ctx)
		if err != nil {
			lastErr = err
			opsf("%s frame %d: %v", op, f.Seq, err)
			continue
		}
		resp, err := c.exchange(ctx, conn, payload)
		if err != nil {
			c.drop()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Response{}, ctxErr
			}
			lastErr = err
			opsf("%s frame %d: %v", op, f.Seq, err)
			continue
		}
		if resp.Seq != f.Seq {
			// The connection is out of step; start over on a fresh one.
			c.drop()
			lastErr = fmt.Errorf("response for frame %d, want %d", resp.Seq, f.Seq)
			continue
		}
		if resp.Error != "" {
			return Response{}, &EngineError{Op: op, Seq: f.Seq, Message: resp.Error}
		}
		tracef("%s frame %d: %d observations, %d results", op, f.Seq, len(resp.Observations), len(resp.Results))
		return resp, nil
	}
	c.failures.Add(1)
	return Response{}, fmt.Errorf("remote %s frame %d: %w", op, f.Seq, lastErr)
}

// connect returns the live connection, dialling if needed. Callers hold mu.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	c.dials.Add(1)
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	diagf("connected to %s", c.cfg.URL)
	c.conn = conn
	return conn, nil
}

// drop discards the current connection. Callers hold mu.
func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		diagf("dropped connection to %s", c.cfg.URL)
		c.conn = nil
	}
}

func (c *Client) exchange(ctx context.Context, conn *websocket.Conn, payload []byte) (Response, error) {
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return Response{}, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return Response{}, fmt.Errorf("write: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return Response{}, err
	}
	// A cancelled context unblocks the read by expiring the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return Response{}, fmt.Errorf("read: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(msg, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func encodeImage(f scan.Frame, quality int) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, f.Image, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return "", fmt.Errorf("remote: encode frame %d: %w", f.Seq, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeImage reverses the request image encoding. Engines written in Go
// and tests use it.
func DecodeImage(s string) (*bytes.Reader, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("remote: decode image: %w", err)
	}
	return bytes.NewReader(raw), nil
}
