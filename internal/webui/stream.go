package webui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/dj-oyu/ppe-detection-app/internal/logger"
)

const (
	mjpegKeepalive = 5 * time.Second
	sseKeepalive   = 30 * time.Second
)

// placeholderJPEG is shown on MJPEG streams before the first frame.
var placeholderJPEG = sync.OnceValue(func() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 640, 360))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 32, G: 32, B: 32, A: 255}}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil
	}
	return buf.Bytes()
})

func writeMJPEGPart(w http.ResponseWriter, data []byte) error {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// streamMJPEGFromChannel streams MJPEG from a channel (fanout pattern),
// starting with first. It returns when the channel closes or the client
// goes away. The last frame is repeated to keep idle connections alive.
func streamMJPEGFromChannel(w http.ResponseWriter, r *http.Request, first []byte, frameCh <-chan []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	last := first
	if last == nil {
		last = placeholderJPEG()
	}
	if err := writeMJPEGPart(w, last); err != nil {
		logger.Debug("MJPEG", "Client disconnected during write: %v", err)
		return
	}
	flusher.Flush()

	timer := time.NewTimer(mjpegKeepalive)
	defer timer.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			last = data
		case <-timer.C:
		}
		timer.Reset(mjpegKeepalive)

		if err := writeMJPEGPart(w, last); err != nil {
			logger.Debug("MJPEG", "Client disconnected during frame write: %v", err)
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeSSEEvent(w http.ResponseWriter, event string, data []byte) error {
	var err error
	if event != "" {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	} else {
		_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	}
	return err
}

func startSSE(w http.ResponseWriter, useProtobuf bool) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Add custom header to indicate format
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func eventData(ev *SerializedEvent, useProtobuf bool) []byte {
	if useProtobuf {
		return ev.ProtobufData
	}
	return ev.JSONData
}

// streamEventsFromChannel streams pre-serialized events to an SSE client
// until the channel closes. It reports whether the channel was drained.
func streamEventsFromChannel(w http.ResponseWriter, r *http.Request, flusher http.Flusher, eventCh <-chan *SerializedEvent, useProtobuf bool) bool {
	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return false

		case event, ok := <-eventCh:
			if !ok {
				return true
			}
			if err := writeSSEEvent(w, "", eventData(event, useProtobuf)); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return false
			}
			flusher.Flush()

		case <-keepalive.C:
			// Send keepalive comment to prevent timeout
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return false
			}
			flusher.Flush()
		}
	}
}
