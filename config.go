package rpmbridge

import "sync"

// Settings selects the game to decode and the port to listen on.
type Settings struct {
	Game Game `toml:"game_type"`
	Port int  `toml:"port"`
}

func DefaultSettings() Settings {
	return Settings{
		Game: DirtRally2,
		Port: DirtRally2.DefaultPort(),
	}
}

// WithGame switches to g. A port still on the previous game's default
// follows the game to its default.
func (s Settings) WithGame(g Game) Settings {
	if s.Port == s.Game.DefaultPort() || s.Port == 0 {
		s.Port = g.DefaultPort()
	}
	s.Game = g
	return s
}

// LiveConfig is the settings shared between the foreground and the bridge
// worker. Readers take a whole snapshot and act on it outside the lock.
type LiveConfig struct {
	mu       sync.Mutex
	settings Settings
	changed  chan struct{}
}

func NewLiveConfig(s Settings) *LiveConfig {
	return &LiveConfig{
		settings: s,
		changed:  make(chan struct{}),
	}
}

func (c *LiveConfig) Snapshot() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Changed returns a channel that is closed the next time the settings are
// modified.
func (c *LiveConfig) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *LiveConfig) Set(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == c.settings {
		return
	}
	c.settings = s
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *LiveConfig) SetGame(g Game) Settings {
	s := c.Snapshot().WithGame(g)
	c.Set(s)
	return s
}

func (c *LiveConfig) SetPort(port int) Settings {
	s := c.Snapshot()
	s.Port = port
	c.Set(s)
	return s
}

// Overrides layers run-only values from the command line over the persisted
// settings. Actions change only the persisted copy; the port override holds
// until the user picks a port.
type Overrides struct {
	Saved Settings
	Port  int
}

// Live is what the bridge should run with.
func (o Overrides) Live() Settings {
	s := o.Saved
	if o.Port != 0 {
		s.Port = o.Port
	}
	return s
}

// Apply performs the configuration part of a on the persisted settings,
// publishes the resulting live settings to config and reports whether the
// persisted settings changed.
func (o *Overrides) Apply(a Action, config *LiveConfig) bool {
	saved, changed := a.Apply(o.Saved)
	o.Saved = saved
	if a.Kind == ActionSetPort {
		o.Port = 0
	}
	config.Set(o.Live())
	return changed
}

// Reload replaces the persisted settings and drops any override.
func (o *Overrides) Reload(s Settings, config *LiveConfig) {
	o.Saved = s
	o.Port = 0
	config.Set(o.Live())
}
