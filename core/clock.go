package core

// ClockOrdering is the result of comparing two vector clocks.
type ClockOrdering int

const (
	// ClockEqual means both clocks have identical counters for every node.
	ClockEqual ClockOrdering = iota
	// ClockBefore means the receiver causally precedes the other clock.
	ClockBefore
	// ClockAfter means the receiver causally follows the other clock.
	ClockAfter
	// ClockConcurrent means neither clock dominates the other.
	ClockConcurrent
)

func (o ClockOrdering) String() string {
	switch o {
	case ClockEqual:
		return "equal"
	case ClockBefore:
		return "before"
	case ClockAfter:
		return "after"
	case ClockConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock tracks per-node logical time for causality ordering between
// events originating at different nodes. Counters only ever increase.
type VectorClock map[NodeID]uint64

// NewVectorClock creates an empty (all-zero) clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment advances the counter for the given node by exactly one,
// creating the entry if it is absent.
func (vc VectorClock) Increment(node NodeID) {
	vc[node]++
}

// Get returns the counter for the given node; absent entries read as zero.
func (vc VectorClock) Get(node NodeID) uint64 {
	return vc[node]
}

// Copy returns an independent snapshot of the clock.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for node, counter := range vc {
		out[node] = counter
	}
	return out
}

// Equal reports whether both clocks carry identical counters for every node.
// A missing entry and a zero entry are indistinguishable.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Compare(other) == ClockEqual
}

// Compare performs a pointwise comparison against another clock and returns
// the causal relationship between the two.
func (vc VectorClock) Compare(other VectorClock) ClockOrdering {
	var less, greater bool
	for node, counter := range vc {
		otherCounter := other[node]
		if counter < otherCounter {
			less = true
		} else if counter > otherCounter {
			greater = true
		}
	}
	for node, otherCounter := range other {
		if _, ok := vc[node]; !ok && otherCounter > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return ClockConcurrent
	case less:
		return ClockBefore
	case greater:
		return ClockAfter
	default:
		return ClockEqual
	}
}

// Merge folds another clock into this one by taking the pointwise maximum of
// every counter. After a merge this clock causally dominates (or equals) both
// inputs. Divergence detection between replicas depends on this.
func (vc VectorClock) Merge(other VectorClock) {
	for node, otherCounter := range other {
		if otherCounter > vc[node] {
			vc[node] = otherCounter
		}
	}
}
