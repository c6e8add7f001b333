package journal

import (
	"fmt"
	"os"
	"time"

	"paddlecourt/engine/internal/logging"
)

// RetentionPolicy bounds how many journal segments are kept on disk. Zero disables a limit.
type RetentionPolicy struct {
	MaxSegments int
	MaxAge      time.Duration
}

// Prune removes the oldest segments beyond the policy. The active segment is never removed.
func Prune(dir string, active string, policy RetentionPolicy, now time.Time, logger *logging.Logger) ([]string, error) {
	if logger == nil {
		logger = logging.L()
	}
	segments, err := Segments(dir)
	if err != nil {
		return nil, err
	}
	var removed []string
	kept := 0
	//1.- Walk newest first so the count limit keeps the most recent segments.
	for i := len(segments) - 1; i >= 0; i-- {
		path := segments[i]
		if path == active {
			kept++
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		expired := policy.MaxAge > 0 && now.Sub(info.ModTime()) > policy.MaxAge
		overflow := policy.MaxSegments > 0 && kept >= policy.MaxSegments
		if !expired && !overflow {
			kept++
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", path, err)
		}
		logger.Info("journal segment pruned",
			logging.String("segment", path),
			logging.Bool("expired", expired),
		)
		removed = append(removed, path)
	}
	return removed, nil
}
