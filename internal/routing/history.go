package routing

// decisionRing keeps the most recent routing decisions in a fixed buffer.
// Callers hold the registry lock.
type decisionRing struct {
	buf   []RoutingDecision
	head  int
	count int
}

func newDecisionRing(size int) *decisionRing {
	return &decisionRing{buf: make([]RoutingDecision, size)}
}

func (r *decisionRing) push(d RoutingDecision) {
	r.buf[r.head] = d
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns the retained decisions, oldest first
func (r *decisionRing) snapshot() []RoutingDecision {
	out := make([]RoutingDecision, 0, r.count)
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *decisionRing) clear() {
	for i := range r.buf {
		r.buf[i] = RoutingDecision{}
	}
	r.head = 0
	r.count = 0
}

func (r *decisionRing) len() int {
	return r.count
}
