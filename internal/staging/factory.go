package staging

import (
	"fmt"

	"github.com/CodeFork/b2-autopush/internal/config"
	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// DefaultMaxSize is used when the configuration leaves max_size unset.
const DefaultMaxSize int64 = config.DefaultStagingMaxSize

// NewSpoolAreaFromConfig creates a SpoolArea implementation based on the config type.
func NewSpoolAreaFromConfig(cfg config.StagingConfig) (freeze.SpoolArea, error) {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	switch cfg.Type {
	case "memory":
		return NewMemorySpoolArea(maxSize), nil
	case "filesystem", "":
		if cfg.StagingDir == "" {
			return nil, fmt.Errorf("%w: filesystem staging area requires staging_dir to be set", freeze.ErrArgument)
		}
		area, err := NewFileSystemSpoolArea(cfg.StagingDir, maxSize)
		if err != nil {
			return nil, err
		}
		return area, nil
	default:
		return nil, fmt.Errorf("%w: unknown staging area type: %s", freeze.ErrArgument, cfg.Type)
	}
}
