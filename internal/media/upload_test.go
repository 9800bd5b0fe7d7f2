package media

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		want Kind
	}{
		{"site.jpg", KindImage},
		{"site.JPEG", KindImage},
		{"a.b.png", KindImage},
		{"clip.mp4", KindVideo},
		{"clip.AVI", KindVideo},
		{"clip.mov", KindVideo},
		{"clip.mkv", KindVideo},
		{"clip.webm", KindUnsupported},
		{"notes.txt", KindUnsupported},
		{"README", KindUnsupported},
		{"trailingdot.", KindUnsupported},
		{"", KindUnsupported},
	}
	for _, tt := range tests {
		if got := Classify(tt.name); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestAcceptedCoversBothBranches(t *testing.T) {
	for _, ext := range Accepted() {
		if Classify("f."+ext) == KindUnsupported {
			t.Errorf("accepted extension %q is not classified", ext)
		}
	}
	if len(Accepted()) != 7 {
		t.Fatalf("Accepted() = %v", Accepted())
	}
}

func TestDecodeImage(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 3))
	src.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatal(err)
	}

	img, err := DecodeImage(Upload{Name: "x.png", Data: buf.Bytes()})
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 3 {
		t.Fatalf("bounds = %v", img.Bounds())
	}
}

func TestDecodeImageErrors(t *testing.T) {
	if _, err := DecodeImage(Upload{Name: "x.mp4", Data: []byte{1}}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("video: err = %v, want ErrUnsupported", err)
	}
	if _, err := DecodeImage(Upload{Name: "x.jpg"}); err == nil {
		t.Fatal("empty: expected error")
	}
	if _, err := DecodeImage(Upload{Name: "x.jpg", Data: []byte("not a jpeg")}); err == nil {
		t.Fatal("corrupt: expected error")
	}
}
