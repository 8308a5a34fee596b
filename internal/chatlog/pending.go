package chatlog

import (
	"time"

	"github.com/lanchat/lanchat/internal/protocol"
)

const (
	// DefaultPendingTTL is how long an operation waits for its target message
	DefaultPendingTTL = 30 * time.Second
	// DefaultPendingTargets bounds the number of distinct unknown targets
	DefaultPendingTargets = 256
	// DefaultPendingPerTarget bounds the operations held for one target
	DefaultPendingPerTarget = 16
)

type pendingOp struct {
	frame    protocol.Frame
	received time.Time
}

// pendingOps holds EDIT/UNDO/REACTION frames that arrived before the CHAT
// they refer to. Guarded by the Log lock.
type pendingOps struct {
	ttl       time.Duration
	targets   int
	perTarget int
	byTarget  map[string][]pendingOp
}

func newPendingOps(ttl time.Duration, targets, perTarget int) *pendingOps {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	if targets <= 0 {
		targets = DefaultPendingTargets
	}
	if perTarget <= 0 {
		perTarget = DefaultPendingPerTarget
	}
	return &pendingOps{
		ttl:       ttl,
		targets:   targets,
		perTarget: perTarget,
		byTarget:  make(map[string][]pendingOp),
	}
}

// add buffers f for its target. It reports false when a bound is hit.
func (p *pendingOps) add(f protocol.Frame, now time.Time) bool {
	p.prune(now)
	target := f.TargetID()
	ops, ok := p.byTarget[target]
	if !ok && len(p.byTarget) >= p.targets {
		return false
	}
	if len(ops) >= p.perTarget {
		return false
	}
	p.byTarget[target] = append(ops, pendingOp{frame: f, received: now})
	return true
}

// take removes and returns the unexpired operations for target in arrival order
func (p *pendingOps) take(target string, now time.Time) []protocol.Frame {
	ops, ok := p.byTarget[target]
	if !ok {
		return nil
	}
	delete(p.byTarget, target)
	out := make([]protocol.Frame, 0, len(ops))
	for _, op := range ops {
		if now.Sub(op.received) <= p.ttl {
			out = append(out, op.frame)
		}
	}
	return out
}

// prune drops expired operations and returns how many were discarded
func (p *pendingOps) prune(now time.Time) int {
	dropped := 0
	for target, ops := range p.byTarget {
		kept := ops[:0]
		for _, op := range ops {
			if now.Sub(op.received) <= p.ttl {
				kept = append(kept, op)
			} else {
				dropped++
			}
		}
		if len(kept) == 0 {
			delete(p.byTarget, target)
		} else {
			p.byTarget[target] = kept
		}
	}
	return dropped
}

func (p *pendingOps) len() int {
	n := 0
	for _, ops := range p.byTarget {
		n += len(ops)
	}
	return n
}
