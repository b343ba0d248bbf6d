package channel

import "context"

// FrameFunc receives one raw frame from an adapter's receive loop. It must
// hand the frame off quickly; handler work happens elsewhere.
type FrameFunc func(ctx context.Context, frame []byte)

// Adapter bridges one external transport (for example the QQ event stream)
// into the dispatcher.
type Adapter interface {
	Name() string
	Run(context.Context, FrameFunc) error
}

// Connected is implemented by adapters that can report link state for
// readiness checks.
type Connected interface {
	Connected() bool
}
