package progress

// Reporter receives progress events synchronously on the emitting goroutine.
// Implementations must be safe for concurrent use and should return quickly.
type Reporter interface {
	Report(evt Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(evt Event)

// Report calls f(evt).
func (f ReporterFunc) Report(evt Event) {
	if f != nil {
		f(evt)
	}
}

// Fanout forwards each event to every non-nil reporter in order.
type Fanout []Reporter

// Report implements Reporter.
func (f Fanout) Report(evt Event) {
	for _, r := range f {
		if r != nil {
			r.Report(evt)
		}
	}
}

// Join combines reporters, skipping nils. It returns Nop when none remain.
func Join(reporters ...Reporter) Reporter {
	out := make(Fanout, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	default:
		return out
	}
}

// Nop discards events.
type Nop struct{}

// Report implements Reporter.
func (Nop) Report(Event) {}
