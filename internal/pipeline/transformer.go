package pipeline

import (
	"context"
	"slices"
	"strings"

	"github.com/dunamismax/thumbflow/internal/domain"
)

type Transformer interface {
	Transform(ctx context.Context, input []byte, params domain.ThumbnailParams) (data []byte, format string, width, height int, err error)
}

func DefaultTransformer() (Transformer, error) {
	return newTransformer(DefaultMaxSourcePixels)
}

func NewTransformer(maxSourcePixels int64) (Transformer, error) {
	return newTransformer(maxSourcePixels)
}

type RuntimeInfo struct {
	Name    string
	Encodes []string
}

func (r RuntimeInfo) CanEncode(format string) bool {
	f := normalizeOutputFormat(format)
	return f != "" && slices.Contains(r.Encodes, f)
}

func normalizeOutputFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpg", "jpeg":
		return "jpeg"
	case "png", "gif", "webp":
		return strings.ToLower(strings.TrimSpace(format))
	default:
		return ""
	}
}

// An explicit request the runtime cannot write fails at encode time.
func outputFormat(requested, source string) string {
	if f := normalizeOutputFormat(requested); f != "" {
		return f
	}
	if Runtime.CanEncode(source) {
		return normalizeOutputFormat(source)
	}
	return "png"
}

func cropRect(srcW, srcH, dstW, dstH int) (x, y, w, h int) {
	w, h = srcW, srcH
	if srcW*dstH > srcH*dstW {
		w = max(1, srcH*dstW/dstH)
	} else {
		h = max(1, srcW*dstH/dstW)
	}
	return (srcW - w) / 2, (srcH - h) / 2, w, h
}
