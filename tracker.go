package rpmbridge

// StalenessThreshold is the number of consecutive identical readings after
// which the simulator is considered to have stopped producing frames.
const StalenessThreshold = 5

// Tracker keeps the last reading of a session and counts how many packets in
// a row repeated it.
type Tracker struct {
	reading   Reading
	staleness int
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) Update(buf []byte, game Game) {
	r := game.Decode(buf)
	// exact comparison: a quantized source repeats values bit for bit
	// while the simulator is not advancing
	if r == t.reading {
		if t.staleness < StalenessThreshold {
			t.staleness++
		}
		return
	}
	t.staleness = 0
	t.reading = r
}

func (t *Tracker) State() (current, max, idle float32) {
	return t.reading.CurrentRPM, t.reading.MaxRPM, t.reading.IdleRPM
}

func (t *Tracker) IsStale() bool {
	return t.staleness >= StalenessThreshold
}

func (t *Tracker) IsRaceActive() bool {
	return t.reading.RaceActive
}

func (t *Tracker) Staleness() int {
	return t.staleness
}

func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		Reading: t.reading,
		Stale:   t.IsStale(),
	}
}
