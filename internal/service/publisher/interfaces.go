package publisher

import (
	"context"

	"github.com/ifuryst/crosspost/internal/models"
)

// ProgressFunc receives progress reports in the range 0-100. It may be
// called from any goroutine; out-of-order reports are tolerated.
type ProgressFunc func(progress int)

// Adapter performs the platform-specific publish side effect.
// Implementations must be safe for concurrent use across posts.
type Adapter interface {
	PlatformName() string
	// Publish pushes post to the platform and returns the public URL of the
	// published item. It should return promptly once ctx is done.
	Publish(ctx context.Context, post *models.Post, platformID string, onProgress ProgressFunc) (string, error)
}

// PlatformConfig describes how a registered adapter may be used.
type PlatformConfig struct {
	Name    string
	Enabled bool
	// RatePerSec limits adapter calls for the platform; 0 means unlimited.
	RatePerSec float64
	Burst      int
}
