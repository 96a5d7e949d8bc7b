package pipeline

import (
	"bytes"
	"fmt"
	"image"
)

const DefaultMaxSourcePixels int64 = 64 << 20

type SourceTooLargeError struct {
	Width     int
	Height    int
	MaxPixels int64
}

func (e *SourceTooLargeError) Error() string {
	return fmt.Sprintf("source image is %dx%d, above the limit of %d pixels", e.Width, e.Height, e.MaxPixels)
}

// CheckSourceSize reads only the header. Unparseable headers are left to the decoder.
func CheckSourceSize(data []byte, maxPixels int64) error {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxSourcePixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return &SourceTooLargeError{Width: cfg.Width, Height: cfg.Height, MaxPixels: maxPixels}
	}
	return nil
}
