package params

import "time"

// MiningKind selects the strategy used to decide when a new block is produced.
type MiningKind int

const (
	// MineAuto produces a block whenever at least one ready transaction
	// exists in the pool.
	MineAuto MiningKind = iota

	// MineInterval produces a block, possibly empty, on a fixed period.
	MineInterval

	// MineManual never produces a block on its own; blocks are only mined
	// when explicitly triggered.
	MineManual
)

// MiningMode is the tagged configuration value consumed by the miner. The
// zero value is automatic mining.
type MiningMode struct {
	kind     MiningKind
	interval time.Duration
}

// AutoMining returns the mode that mines as soon as transactions are ready.
func AutoMining() MiningMode {
	return MiningMode{kind: MineAuto}
}

// IntervalMining returns the mode that mines every period, empty blocks
// included.
func IntervalMining(period time.Duration) MiningMode {
	return MiningMode{kind: MineInterval, interval: period}
}

// ManualMining returns the mode that only mines on explicit triggers.
func ManualMining() MiningMode {
	return MiningMode{kind: MineManual}
}

// Kind returns the strategy tag.
func (m MiningMode) Kind() MiningKind { return m.kind }

// Interval returns the mining period and whether the mode is interval based.
func (m MiningMode) Interval() (time.Duration, bool) {
	return m.interval, m.kind == MineInterval
}

func (m MiningMode) String() string {
	switch m.kind {
	case MineAuto:
		return "auto"
	case MineInterval:
		return "interval(" + m.interval.String() + ")"
	default:
		return "manual"
	}
}
