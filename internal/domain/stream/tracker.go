package stream

// defaultEmptyReads is how many consecutive empty blocking reads must follow
// the completion marker before a consumer may declare the stage done.
const defaultEmptyReads = 1

// CompletionTracker infers end-of-stream for one upstream stage. A stream has
// no transport-level close: completion is only authoritative once the
// producer's completion marker was seen, the group has no pending deliveries,
// and at least one further blocking read came back empty. Empty reads alone
// never complete the stream, which keeps consumers from declaring done under
// transient backpressure.
//
// The tracker is owned by a single consumer goroutine and is not safe for
// concurrent use.
type CompletionTracker struct {
	requiredEmptyReads int

	markerSeen  bool
	marker      Message
	emptyReads  int
	pendingZero bool
}

// NewCompletionTracker builds a tracker requiring the given number of
// consecutive empty reads after the marker. Values below one fall back to the
// default.
func NewCompletionTracker(requiredEmptyReads int) *CompletionTracker {
	if requiredEmptyReads < 1 {
		requiredEmptyReads = defaultEmptyReads
	}
	return &CompletionTracker{requiredEmptyReads: requiredEmptyReads}
}

// Observe feeds one delivered message to the tracker.
func (t *CompletionTracker) Observe(msg Message) {
	if msg.IsCompletion() {
		t.markerSeen = true
		t.marker = msg
		return
	}

	// New data invalidates any empty-read streak.
	t.emptyReads = 0
	t.pendingZero = false
}

// ObserveEmptyRead records a blocking read that returned nothing, together
// with the group's pending count at that time.
func (t *CompletionTracker) ObserveEmptyRead(pending int64) {
	t.emptyReads++
	t.pendingZero = pending == 0
}

// Done reports whether completion is authoritative.
func (t *CompletionTracker) Done() bool {
	return t.markerSeen && t.pendingZero && t.emptyReads >= t.requiredEmptyReads
}

// Marker returns the completion marker once seen.
func (t *CompletionTracker) Marker() (Message, bool) {
	return t.marker, t.markerSeen
}
