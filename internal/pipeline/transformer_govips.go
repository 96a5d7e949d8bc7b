//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/thumbflow/internal/domain"
)

type govipsTransformer struct {
	maxPixels int64
}

func (t govipsTransformer) Transform(ctx context.Context, input []byte, params domain.ThumbnailParams) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	if params.Width <= 0 || params.Height <= 0 {
		return nil, "", 0, 0, domain.Permanent(domain.ErrorKindInvalidParams,
			fmt.Errorf("thumbnail size %dx%d", params.Width, params.Height))
	}

	srcFormat, ok := vipsFormat(vips.DetermineImageType(input))
	if !ok {
		return nil, "", 0, 0, domain.Permanent(domain.ErrorKindUnsupportedFormat, fmt.Errorf("unrecognized source image type"))
	}

	if err := CheckSourceSize(input, t.maxPixels); err != nil {
		return nil, "", 0, 0, domain.Permanent(domain.ErrorKindInvalidMedia, err)
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, "", 0, 0, domain.Permanent(domain.ErrorKindInvalidMedia, fmt.Errorf("decode source image: %w", err))
	}
	defer img.Close()

	if err := img.Thumbnail(params.Width, params.Height, vips.InterestingCentre); err != nil {
		return nil, "", 0, 0, fmt.Errorf("thumbnail image: %w", err)
	}

	format := outputFormat(params.Format, srcFormat)
	data, err := exportGovipsImage(img, format, params.Quality)
	if err != nil {
		return nil, "", 0, 0, err
	}

	return data, format, img.Width(), img.Height(), nil
}

func vipsFormat(t vips.ImageType) (string, bool) {
	switch t {
	case vips.ImageTypeJPEG:
		return "jpeg", true
	case vips.ImageTypePNG:
		return "png", true
	case vips.ImageTypeGIF:
		return "gif", true
	case vips.ImageTypeWEBP:
		return "webp", true
	default:
		return "", false
	}
}

func exportGovipsImage(img *vips.ImageRef, format string, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = domain.DefaultQuality
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case "jpeg":
		params := vips.NewJpegExportParams()
		params.Quality = quality
		data, _, err = img.ExportJpeg(params)
	case "png":
		data, _, err = img.ExportPng(vips.NewPngExportParams())
	case "gif":
		data, _, err = img.ExportGIF(vips.NewGifExportParams())
	case "webp":
		params := vips.NewWebpExportParams()
		params.Quality = quality
		data, _, err = img.ExportWebp(params)
	default:
		return nil, domain.Permanent(domain.ErrorKindUnsupportedFormat, fmt.Errorf("unsupported output format: %s", format))
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return data, nil
}
