package rpmbridge

// Reading is the engine state decoded from a single telemetry packet.
type Reading struct {
	CurrentRPM float32
	MaxRPM     float32
	IdleRPM    float32
	RaceActive bool
}

// Snapshot is what downstream consumers see after a packet has been tracked.
type Snapshot struct {
	Reading
	Stale bool
}
