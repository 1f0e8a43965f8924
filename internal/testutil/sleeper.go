package testutil

import (
	"context"
	"sync"
	"time"
)

// RecordingSleeper records requested delays instead of sleeping. It still
// honours cancellation.
type RecordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func NewRecordingSleeper() *RecordingSleeper {
	return &RecordingSleeper{}
}

// Sleep has the freeze.Sleeper signature.
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

// Delays returns the recorded delays in order.
func (s *RecordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
