package pebblelog

import (
	"context"
	"time"

	logpkg "github.com/rzbill/colla/pkg/log"
)

// Sweep removes consumers idle past their threshold, drops persisted cursors
// nobody resumed within DurableInactive, and applies stream age and byte
// limits. It returns the number of consumers removed.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	var expired []*consumer
	live := make(map[string]struct{}, len(s.consumers))
	for key, c := range s.consumers {
		if c.expired(now) {
			expired = append(expired, c)
			continue
		}
		live[key] = struct{}{}
	}
	streams := make([]string, 0, len(s.streams))
	for name := range s.streams {
		streams = append(streams, name)
	}
	s.mu.Unlock()

	removed := 0
	for _, c := range expired {
		if err := c.remove(ctx); err != nil {
			return removed, err
		}
		removed++
		s.logger.Debug("pebblelog.consumer_expired", logpkg.Str("consumer", c.id))
	}

	for _, name := range streams {
		l, err := s.rt.Log(name)
		if err != nil {
			return removed, err
		}
		if s.durableInactive > 0 {
			infos, err := l.Cursors()
			if err != nil {
				return removed, err
			}
			for _, info := range infos {
				if _, ok := live[name+"/"+info.Consumer]; ok {
					continue
				}
				if now.UnixMilli()-info.LastActiveMs <= s.durableInactive.Milliseconds() {
					continue
				}
				if err := l.DeleteCursor(ctx, info.Consumer); err != nil {
					return removed, err
				}
				removed++
				s.logger.Debug("pebblelog.cursor_expired", logpkg.Str("stream", name), logpkg.Str("consumer", info.Consumer))
			}
		}
		if _, err := l.Enforce(ctx); err != nil {
			return removed, err
		}
	}
	return removed, nil
}
