// Package media classifies uploaded files and decodes still images.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"strings"
)

// Kind is the handling branch selected for an upload.
type Kind int

const (
	KindUnsupported Kind = iota
	KindImage
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	default:
		return "unsupported"
	}
}

// ErrUnsupported is returned for uploads whose extension selects no branch.
var ErrUnsupported = errors.New("unsupported file type")

var (
	imageExts = []string{"jpg", "png", "jpeg"}
	videoExts = []string{"mp4", "avi", "mov", "mkv"}
)

// ImageExtensions returns the accepted still image extensions.
func ImageExtensions() []string { return append([]string(nil), imageExts...) }

// VideoExtensions returns the accepted video extensions.
func VideoExtensions() []string { return append([]string(nil), videoExts...) }

// Accepted returns every accepted extension, images first.
func Accepted() []string {
	return append(ImageExtensions(), videoExts...)
}

// Ext returns the lowercased text after the last dot of name, or "" if
// name has no dot.
func Ext(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}

// Classify selects the handling branch from the file name alone.
func Classify(name string) Kind {
	ext := Ext(name)
	if ext == "" {
		return KindUnsupported
	}
	for _, e := range imageExts {
		if ext == e {
			return KindImage
		}
	}
	for _, e := range videoExts {
		if ext == e {
			return KindVideo
		}
	}
	return KindUnsupported
}

// Upload is one file received from the browser.
type Upload struct {
	Name string
	Data []byte
}

// Kind classifies the upload by its name.
func (u Upload) Kind() Kind { return Classify(u.Name) }

// Ext returns the upload's lowercased extension.
func (u Upload) Ext() string { return Ext(u.Name) }

// DecodeImage decodes a JPEG or PNG upload.
func DecodeImage(u Upload) (image.Image, error) {
	if u.Kind() != KindImage {
		return nil, fmt.Errorf("%s: %w", u.Name, ErrUnsupported)
	}
	if len(u.Data) == 0 {
		return nil, fmt.Errorf("%s: empty file", u.Name)
	}
	img, _, err := image.Decode(bytes.NewReader(u.Data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", u.Name, err)
	}
	return img, nil
}
