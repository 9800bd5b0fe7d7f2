// Package wsremote streams frames to an inference service over a
// persistent WebSocket. Each binary JPEG message is answered by one JSON
// text message:
//
//	[{"label": "Hardhat", "confidence": 0.91, "box": [x1, y1, x2, y2]}]
package wsremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/ppe-detection-app/internal/config"
	"github.com/dj-oyu/ppe-detection-app/internal/detect"
	"github.com/dj-oyu/ppe-detection-app/internal/logger"
	"github.com/dj-oyu/ppe-detection-app/internal/model"
)

// Backend is the registry name of this package.
const Backend = "ws"

func init() {
	model.Register(Backend, Open)
}

// DetectionResult is one detection as sent by the service.
type DetectionResult struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Box        []float64 `json:"box"`
}

// Client keeps one connection and allows one request in flight.
type Client struct {
	serverURL string
	dialer    *websocket.Dialer
	timeout   time.Duration
	classes   map[string]int

	mu   sync.Mutex
	conn *websocket.Conn
}

// New returns a client for serverURL (ws:// or wss://). Nothing is dialed yet.
func New(serverURL string, classes []string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("invalid websocket url %q", serverURL)
	}
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	return &Client{
		serverURL: u.String(),
		dialer:    websocket.DefaultDialer,
		timeout:   timeout,
		classes:   index,
	}, nil
}

// Open dials cfg.URL once so an unreachable service fails startup.
func Open(ctx context.Context, cfg config.ModelConfig) (detect.Detector, error) {
	c, err := New(cfg.URL, cfg.Classes, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	err = c.dialLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference service %s: %w", cfg.URL, err)
	}
	return c, nil
}

func (c *Client) dialLocked(ctx context.Context) error {
	logger.Debug("WSRemote", "Connecting to detector server %s", c.serverURL)
	conn, _, err := c.dialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	logger.Info("WSRemote", "Connected to detection server %s", c.serverURL)
	return nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Detect implements detect.Detector. A broken connection is redialed once.
func (c *Client) Detect(ctx context.Context, img image.Image, opts detect.Options) (*detect.Result, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		results []DetectionResult
		err     error
	)
	for attempt := 0; attempt < 2; attempt++ {
		if c.conn == nil {
			if err = c.dialLocked(ctx); err != nil {
				continue
			}
		}
		results, err = c.roundTripLocked(ctx, buf.Bytes())
		if err == nil {
			break
		}
		logger.Warn("WSRemote", "Connection lost: %v", err)
		c.dropLocked()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	res := &detect.Result{Width: b.Dx(), Height: b.Dy()}
	for _, r := range results {
		if r.Confidence < opts.Confidence || len(r.Box) != 4 {
			continue
		}
		box := detect.ClampBox(image.Rect(
			int(math.Round(r.Box[0])), int(math.Round(r.Box[1])),
			int(math.Round(r.Box[2])), int(math.Round(r.Box[3])),
		), b.Dx(), b.Dy())
		if box.Empty() {
			continue
		}
		id, ok := c.classes[r.Label]
		if !ok {
			id = -1
		}
		res.Detections = append(res.Detections, detect.Detection{
			ClassID:    id,
			ClassName:  r.Label,
			Confidence: r.Confidence,
			Box:        box,
		})
	}
	return res, nil
}

func (c *Client) roundTripLocked(ctx context.Context, frame []byte) ([]DetectionResult, error) {
	deadline := time.Time{}
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)

	// Unblock the read if ctx is cancelled mid-request.
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	var results []DetectionResult
	if err := json.Unmarshal(message, &results); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return results, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.dropLocked()
	return err
}
