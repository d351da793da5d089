package store

import "time"

// Option customises a Store built by New.
type Option func(*Store)

// WithClock stamps created_at and updated_at from now instead of the wall
// clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}
