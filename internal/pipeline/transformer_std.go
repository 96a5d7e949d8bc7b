package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/dunamismax/thumbflow/internal/domain"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

type stdlibTransformer struct {
	maxPixels int64
}

func (t stdlibTransformer) Transform(ctx context.Context, input []byte, params domain.ThumbnailParams) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	if params.Width <= 0 || params.Height <= 0 {
		return nil, "", 0, 0, domain.Permanent(domain.ErrorKindInvalidParams,
			fmt.Errorf("thumbnail size %dx%d", params.Width, params.Height))
	}

	if err := CheckSourceSize(input, t.maxPixels); err != nil {
		return nil, "", 0, 0, domain.Permanent(domain.ErrorKindInvalidMedia, err)
	}

	src, srcFormat, err := image.Decode(bytes.NewReader(input))
	if errors.Is(err, image.ErrFormat) {
		return nil, "", 0, 0, domain.Permanent(domain.ErrorKindUnsupportedFormat, fmt.Errorf("decode source image: %w", err))
	}
	if err != nil {
		return nil, "", 0, 0, domain.Permanent(domain.ErrorKindInvalidMedia, fmt.Errorf("decode source image: %w", err))
	}

	out, err := fit(src, params.Width, params.Height)
	if err != nil {
		return nil, "", 0, 0, err
	}

	format := outputFormat(params.Format, srcFormat)
	data, err := encodeImage(out, format, params.Quality)
	if err != nil {
		return nil, "", 0, 0, err
	}

	return data, format, params.Width, params.Height, nil
}

func fit(src image.Image, w, h int) (image.Image, error) {
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, domain.Permanent(domain.ErrorKindInvalidMedia, errors.New("source image has invalid dimensions"))
	}

	x, y, cw, ch := cropRect(b.Dx(), b.Dy(), w, h)
	crop := image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+cw, b.Min.Y+y+ch)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)
	return dst, nil
}

func encodeImage(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case "jpeg":
		if quality <= 0 || quality > 100 {
			quality = domain.DefaultQuality
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case "png":
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case "gif":
		if err := gif.Encode(&buf, img, &gif.Options{NumColors: 256, Drawer: draw.FloydSteinberg}); err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
	case "webp":
		return nil, domain.Permanent(domain.ErrorKindUnsupportedFormat, fmt.Errorf("%s runtime cannot write webp", Runtime.Name))
	default:
		return nil, domain.Permanent(domain.ErrorKindUnsupportedFormat, fmt.Errorf("unsupported output format: %s", format))
	}

	return buf.Bytes(), nil
}
