package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is true if the voice or instructions changed. The new
	// persona is sent with the next session.update.
	PersonaChanged bool
	Voice          string
	Instructions   string

	// RestartRequired lists the sections whose changes are ignored until the
	// process is restarted.
	RestartRequired []string
}

// IsEmpty reports whether nothing changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.PersonaChanged && len(d.RestartRequired) == 0
}

// Diff compares prev and next and returns what changed.
func Diff(prev, next *Config) ConfigDiff {
	d := ConfigDiff{}

	if prev.Server.LogLevel != next.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = next.Server.LogLevel
	}

	if prev.Realtime.Voice != next.Realtime.Voice || prev.Realtime.Instructions != next.Realtime.Instructions {
		d.PersonaChanged = true
		d.Voice = next.Realtime.Voice
		d.Instructions = next.Realtime.Instructions
	}

	if prev.Server.ListenAddr != next.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameSession(prev.Realtime, next.Realtime) {
		d.RestartRequired = append(d.RestartRequired, "realtime")
	}
	if prev.Audio != next.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if prev.Orders != next.Orders {
		d.RestartRequired = append(d.RestartRequired, "orders")
	}
	if !sameMCP(prev.MCP, next.MCP) {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}
	return d
}

// sameSession compares the realtime settings other than the persona.
func sameSession(a, b RealtimeConfig) bool {
	a.Voice, a.Instructions, a.InstructionsFile = "", "", ""
	b.Voice, b.Instructions, b.InstructionsFile = "", "", ""
	return a == b
}

func sameMCP(a, b MCPConfig) bool {
	if len(a.Servers) != len(b.Servers) {
		return false
	}
	for i := range a.Servers {
		x, y := a.Servers[i], b.Servers[i]
		if x.Name != y.Name || x.Transport != y.Transport || x.Command != y.Command || x.URL != y.URL {
			return false
		}
		if !maps.Equal(x.Env, y.Env) {
			return false
		}
	}
	return true
}
