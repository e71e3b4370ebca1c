package config

import "reflect"

// Pending tracks configuration changes that cannot take effect in the
// running process. Flags accumulate across reloads and stay raised until
// the corresponding action happens: a process restart, or re-establishing
// the server connection.
type Pending struct {
	Restart   bool
	Reconnect bool
}

// Observe compares two configurations and raises the flags for changed
// fields that only apply after a restart or a reconnect. Flags are never
// lowered here; reverting a field mid-flight does not make the running
// state match either version.
func (p *Pending) Observe(prev, next *Config) {
	if !reflect.DeepEqual(prev.Database, next.Database) ||
		prev.API != next.API ||
		!reflect.DeepEqual(prev.Shares.Directories, next.Shares.Directories) {
		p.Restart = true
	}
	if prev.Soulseek != next.Soulseek {
		p.Reconnect = true
	}
}
