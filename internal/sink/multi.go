package sink

import (
	"context"
	"errors"

	"github.com/coal/shieldwall/internal/monitor"
)

// Multi delivers to every sink and joins their errors.
type Multi []monitor.Sink

func (m Multi) Deliver(ctx context.Context, event monitor.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
