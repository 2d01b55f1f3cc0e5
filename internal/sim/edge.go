package sim

// EdgeLatch remembers the last observed value per quantity so a crossing
// emits exactly one edge event, not one per tick.
type EdgeLatch struct {
	last map[string]string
}

func NewEdgeLatch() *EdgeLatch {
	return &EdgeLatch{last: make(map[string]string)}
}

// Changed records value under key and reports whether it differs from the
// previous recording.
func (l *EdgeLatch) Changed(key, value string) bool {
	prev, seen := l.last[key]
	l.last[key] = value
	return seen && prev != value
}

// Prime seeds the latch without reporting a change.
func (l *EdgeLatch) Prime(key, value string) {
	l.last[key] = value
}

func (l *EdgeLatch) Reset() {
	l.last = make(map[string]string)
}
