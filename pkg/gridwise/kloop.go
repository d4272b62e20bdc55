package gridwise

import "fmt"

// KLoopPlan is how the double-buffered pipeline walks K blocks. The prologue
// loads block 0 into the even slot. Each main loop iteration computes two
// blocks while loading the next two, so after the main loop the pending block
// is always in the even slot. The tail then computes one or two blocks.
type KLoopPlan struct {
	NumKBlocks     int
	HasMainLoop    bool
	HasDoubleTail  bool
	MainIterations int
}

// PlanKLoop plans k elements in KPerBlock steps. A partial last block counts
// as a whole one; the kernel reads it through a K-padded descriptor.
func PlanKLoop(k, kPerBlock int) KLoopPlan {
	n := ceilDiv(k, kPerBlock)
	p := KLoopPlan{
		NumKBlocks:    n,
		HasMainLoop:   n > 2,
		HasDoubleTail: n%2 == 0,
	}
	if p.HasMainLoop {
		p.MainIterations = (n - 1) / 2
	}
	return p
}

// Barriers is the number of block barriers every thread passes: one per K
// block.
func (p KLoopPlan) Barriers() int {
	b := 2 * p.MainIterations
	if p.HasDoubleTail {
		return b + 2
	}
	return b + 1
}

func (p KLoopPlan) String() string {
	return fmt.Sprintf("k_blocks=%d main=%t(%d) double_tail=%t", p.NumKBlocks, p.HasMainLoop, p.MainIterations, p.HasDoubleTail)
}

type pipelineState int

const (
	statePrologue pipelineState = iota
	stateMainLoop
	stateTailDouble
	stateTailSingle
	stateEpilogue
)

func (s pipelineState) String() string {
	switch s {
	case statePrologue:
		return "prologue"
	case stateMainLoop:
		return "main_loop"
	case stateTailDouble:
		return "tail_double"
	case stateTailSingle:
		return "tail_single"
	case stateEpilogue:
		return "epilogue"
	default:
		return "unknown"
	}
}

// stage is what one thread does against the pipeline: load K blocks from
// global memory into registers, store them into a LDS slot, and multiply the
// block in a slot.
type stage interface {
	advance()
	load()
	store(slot int)
	compute(slot int)
	sync()
}

// runKLoop drives s through the pipeline for plan. It returns after the last
// block has been computed, leaving the accumulators ready for the epilogue.
func runKLoop(plan KLoopPlan, s stage) {
	state := statePrologue
	iter := 0
	for state != stateEpilogue {
		switch state {
		case statePrologue:
			s.load()
			s.store(0)
			switch {
			case plan.HasMainLoop:
				state = stateMainLoop
			case plan.HasDoubleTail:
				state = stateTailDouble
			default:
				state = stateTailSingle
			}
		case stateMainLoop:
			for cur := range 2 {
				s.advance()
				s.sync()
				s.load()
				s.compute(cur)
				s.store(cur ^ 1)
			}
			iter++
			if iter < plan.MainIterations {
				continue
			}
			if plan.HasDoubleTail {
				state = stateTailDouble
			} else {
				state = stateTailSingle
			}
		case stateTailDouble:
			s.advance()
			s.sync()
			s.load()
			s.compute(0)
			s.store(1)
			s.sync()
			s.compute(1)
			state = stateEpilogue
		case stateTailSingle:
			s.sync()
			s.compute(0)
			state = stateEpilogue
		}
	}
}
