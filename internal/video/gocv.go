//go:build gocv

package video

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"

	"gocv.io/x/gocv"
)

func init() {
	Register("gocv", func(Options) Opener { return OpenerFunc(openCV) })
}

type cvDecoder struct {
	vc    *gocv.VideoCapture
	frame gocv.Mat
	info  Info
	ctx   context.Context
	once  sync.Once
}

func openCV(ctx context.Context, path string) (Decoder, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open %s: %w", path, ErrNoVideoStream)
	}
	info := Info{
		Width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
		FPS:    vc.Get(gocv.VideoCaptureFPS),
		Frames: int(vc.Get(gocv.VideoCaptureFrameCount)),
	}
	if info.Width <= 0 || info.Height <= 0 {
		vc.Close()
		return nil, fmt.Errorf("open %s: %w", path, ErrNoVideoStream)
	}
	return &cvDecoder{vc: vc, frame: gocv.NewMat(), info: info, ctx: ctx}, nil
}

func (d *cvDecoder) Info() Info { return d.info }

func (d *cvDecoder) Next() (image.Image, error) {
	if err := d.ctx.Err(); err != nil {
		return nil, err
	}
	if ok := d.vc.Read(&d.frame); !ok || d.frame.Empty() {
		return nil, io.EOF
	}
	img, err := d.frame.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

func (d *cvDecoder) Close() error {
	var err error
	d.once.Do(func() {
		d.frame.Close()
		err = d.vc.Close()
	})
	return err
}
