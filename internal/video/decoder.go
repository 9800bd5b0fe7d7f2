// Package video decodes uploaded video files into RGBA frames.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sort"
	"sync"
)

// ErrNoVideoStream is returned by Open when the file has no video track.
var ErrNoVideoStream = errors.New("no video streams found")

// Info describes the decoded stream. Frames is 0 when the container does
// not report a frame count.
type Info struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
	Frames int     `json:"frames"`
}

// Decoder yields frames in order. Next returns io.EOF after the last
// decodable frame.
type Decoder interface {
	Info() Info
	Next() (image.Image, error)
	Close() error
}

// Opener opens a decoder for a file on disk.
type Opener interface {
	Open(ctx context.Context, path string) (Decoder, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, path string) (Decoder, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, path string) (Decoder, error) {
	return f(ctx, path)
}

var (
	openersMu sync.RWMutex
	openers   = make(map[string]func(Options) Opener)
)

// Options configure the decoder implementations.
type Options struct {
	FFmpegPath  string
	FFprobePath string
}

// Register adds a named decoder implementation.
func Register(name string, newOpener func(Options) Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[name] = newOpener
}

// Decoders lists the available implementations.
func Decoders() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()
	names := make([]string, 0, len(openers))
	for n := range openers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewOpener returns the named implementation.
func NewOpener(name string, opts Options) (Opener, error) {
	openersMu.RLock()
	newOpener, ok := openers[name]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown video decoder %q (available: %v)", name, Decoders())
	}
	return newOpener(opts), nil
}

// rawDecoder reads packed RGBA frames of a fixed size from r.
type rawDecoder struct {
	r      io.Reader
	info   Info
	size   int
	closer func() error

	closeOnce sync.Once
	closeErr  error
}

func newRawDecoder(r io.Reader, info Info, closer func() error) *rawDecoder {
	return &rawDecoder{
		r:      r,
		info:   info,
		size:   info.Width * info.Height * 4,
		closer: closer,
	}
}

func (d *rawDecoder) Info() Info { return d.info }

// Next reads one frame. A short trailing read ends the stream.
func (d *rawDecoder) Next() (image.Image, error) {
	pix := make([]byte, d.size)
	if _, err := io.ReadFull(d.r, pix); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return &image.RGBA{
		Pix:    pix,
		Stride: d.info.Width * 4,
		Rect:   image.Rect(0, 0, d.info.Width, d.info.Height),
	}, nil
}

func (d *rawDecoder) Close() error {
	d.closeOnce.Do(func() {
		if d.closer != nil {
			d.closeErr = d.closer()
		}
	})
	return d.closeErr
}
