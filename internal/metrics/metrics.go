package metrics

import (
	"sync"
	"sync/atomic"
)

// engineStats holds counters for the automation engine.
// Kept simple/thread-safe for use from the orchestrator and exposition.
type engineStats struct {
	eventsProcessed uint64
	rulesFired      uint64
	actionsFailed   uint64
	loopDrops       uint64
	scanRuns        uint64

	mu          sync.Mutex
	firedByRule map[uint]uint64
}

var eng engineStats

// IncEventProcessed counts one completed orchestration pass.
func IncEventProcessed() { atomic.AddUint64(&eng.eventsProcessed, 1) }

// IncRuleFired counts one rule firing (once per qualifying event, not per action).
func IncRuleFired(ruleID uint) {
	atomic.AddUint64(&eng.rulesFired, 1)
	eng.mu.Lock()
	if eng.firedByRule == nil {
		eng.firedByRule = make(map[uint]uint64)
	}
	eng.firedByRule[ruleID]++
	eng.mu.Unlock()
}

// IncActionFailed counts a single failed action.
func IncActionFailed() { atomic.AddUint64(&eng.actionsFailed, 1) }

// IncLoopDrop counts a derived event dropped by the recursion-depth guard.
func IncLoopDrop() { atomic.AddUint64(&eng.loopDrops, 1) }

// IncScanRun counts one periodic time-based/SLA scan.
func IncScanRun() { atomic.AddUint64(&eng.scanRuns, 1) }

// EngineSnapshot returns a copy of the current counters.
func EngineSnapshot() (events, fired, failed, drops, scans uint64, byRule map[uint]uint64) {
	events = atomic.LoadUint64(&eng.eventsProcessed)
	fired = atomic.LoadUint64(&eng.rulesFired)
	failed = atomic.LoadUint64(&eng.actionsFailed)
	drops = atomic.LoadUint64(&eng.loopDrops)
	scans = atomic.LoadUint64(&eng.scanRuns)
	eng.mu.Lock()
	defer eng.mu.Unlock()
	byRule = make(map[uint]uint64, len(eng.firedByRule))
	for k, v := range eng.firedByRule {
		byRule[k] = v
	}
	return
}
