//go:build govips && cgo

package pipeline

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var Runtime = RuntimeInfo{Name: "govips", Encodes: []string{"jpeg", "png", "gif", "webp"}}

var (
	lifecycleMu sync.Mutex
	started     bool
)

func Startup() error {
	lifecycleMu.Lock()
	defer lifecycleMu.Unlock()
	if started {
		return nil
	}

	vips.LoggingSettings(nil, vips.LogLevelWarning)
	vips.Startup(&vips.Config{
		MaxCacheFiles: 0,
		MaxCacheMem:   64 * 1024 * 1024,
		MaxCacheSize:  50,
	})
	started = true
	return nil
}

func Shutdown() {
	lifecycleMu.Lock()
	defer lifecycleMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func newTransformer(maxPixels int64) (Transformer, error) {
	if err := Startup(); err != nil {
		return nil, err
	}
	return govipsTransformer{maxPixels: maxPixels}, nil
}
