package aggregator

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/llamachat/pkg/turn"
)

// Sinks publishes every snapshot to each non-nil sink in order. All sinks are tried; the first
// error is returned.
func Sinks(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return SinkFunc(func(ctx context.Context, snap turn.Snapshot) error {
		var first error
		for i, s := range live {
			if err := s.Publish(ctx, snap); err != nil && first == nil {
				first = errors.Wrapf(err, "sink %d", i)
			}
		}
		return first
	})
}
