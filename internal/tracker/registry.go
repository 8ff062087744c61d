package tracker

import (
	"fmt"

	"github.com/arizonacoders/claude-flow/internal/config"
)

// NewProvider creates the status source named by the configuration.
func NewProvider(cfg *config.Config) (StatusSource, error) {
	switch cfg.Tracker {
	case "http":
		if cfg.TrackerURL == "" {
			return nil, fmt.Errorf("http tracker requires TRACKER_URL")
		}
		return NewHTTPProvider(cfg.TrackerURL, cfg.TrackerToken), nil
	case "static":
		return NewStaticProvider(), nil
	default:
		return nil, fmt.Errorf("unknown tracker type: %s", cfg.Tracker)
	}
}
