package progress

import "context"

// Sink consumes batches of progress events flushed by the Hub.
// Implementations must honor ctx deadlines and tolerate repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
