// Package remote calls an HTTP inference service for detections.
//
// The service accepts POST multipart/form-data with an image in the "file"
// field and the threshold in "conf", and answers
//
//	{"detections": [{"x": 0, "y": 0, "width": 10, "height": 10,
//	                 "class": "Hardhat", "class_id": 0, "confidence": 0.9}]}
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dj-oyu/ppe-detection-app/internal/config"
	"github.com/dj-oyu/ppe-detection-app/internal/detect"
	"github.com/dj-oyu/ppe-detection-app/internal/logger"
	"github.com/dj-oyu/ppe-detection-app/internal/model"
)

// Backend is the registry name of this package.
const Backend = "remote"

func init() {
	model.Register(Backend, Open)
}

// BoundingBox is one detection as returned by the service.
type BoundingBox struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Class      string  `json:"class"`
	ClassID    *int    `json:"class_id,omitempty"`
	Confidence float64 `json:"confidence"`
}

type predictResponse struct {
	Detections []BoundingBox `json:"detections"`
}

// Client talks to one inference endpoint.
type Client struct {
	inferenceURL string
	healthURL    string
	http         *http.Client
	classIndex   map[string]int
}

// New returns a client for inferenceURL. The health endpoint is /health
// next to the predict path.
func New(inferenceURL string, classes []string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(inferenceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid inference url %q", inferenceURL)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	return &Client{
		inferenceURL: u.String(),
		healthURL:    u.ResolveReference(&url.URL{Path: "health"}).String(),
		http:         hc,
		classIndex:   index,
	}, nil
}

// Open builds a client from cfg and checks that the service is healthy.
func Open(ctx context.Context, cfg config.ModelConfig) (detect.Detector, error) {
	c, err := New(cfg.URL, cfg.Classes, &http.Client{Timeout: cfg.Timeout})
	if err != nil {
		return nil, err
	}
	if err := c.CheckHealth(ctx); err != nil {
		return nil, fmt.Errorf("inference service %s: %w", cfg.URL, err)
	}
	logger.Info("Remote", "Inference service healthy: %s", cfg.URL)
	return c, nil
}

// CheckHealth reports whether the service answers its health endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ml service unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// Detect implements detect.Detector.
func (c *Client) Detect(ctx context.Context, img image.Image, opts detect.Options) (*detect.Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if err := jpeg.Encode(part, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	if err := writer.WriteField("conf", strconv.FormatFloat(opts.Confidence, 'f', -1, 64)); err != nil {
		return nil, fmt.Errorf("write conf: %w", err)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.inferenceURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference failed with status: %d", resp.StatusCode)
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	b := img.Bounds()
	res := &detect.Result{Width: b.Dx(), Height: b.Dy()}
	for _, bb := range pr.Detections {
		box := detect.ClampBox(image.Rect(bb.X, bb.Y, bb.X+bb.Width, bb.Y+bb.Height), b.Dx(), b.Dy())
		if box.Empty() {
			continue
		}
		res.Detections = append(res.Detections, detect.Detection{
			ClassID:    c.classID(bb),
			ClassName:  bb.Class,
			Confidence: bb.Confidence,
			Box:        box,
		})
	}
	// the service may ignore conf
	res.Detections = detect.ScoreFilter(opts.Confidence)(res.Detections)
	return res, nil
}

func (c *Client) classID(bb BoundingBox) int {
	if bb.ClassID != nil {
		return *bb.ClassID
	}
	if id, ok := c.classIndex[bb.Class]; ok {
		return id
	}
	return -1
}
