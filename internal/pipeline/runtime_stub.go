//go:build !govips || !cgo

package pipeline

var Runtime = RuntimeInfo{Name: "stdlib", Encodes: []string{"jpeg", "png", "gif"}}

func Startup() error { return nil }

func Shutdown() {}

func newTransformer(maxPixels int64) (Transformer, error) {
	return stdlibTransformer{maxPixels: maxPixels}, nil
}
