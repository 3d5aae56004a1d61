package config

import (
	"slices"

	"github.com/MrWong99/panelist/pkg/types"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked.
type ConfigDiff struct {
	PersonasChanged bool
	PersonaChanges  []PersonaDiff
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists top-level sections whose edits only take effect
	// after a restart.
	RestartRequired []string
}

// PersonaDiff describes what changed for one persona ID.
type PersonaDiff struct {
	ID              string
	Added           bool
	Removed         bool
	NameChanged     bool
	GuidanceChanged bool
	VoiceChanged    bool
	FaceChanged     bool
}

func (d PersonaDiff) changed() bool {
	return d.Added || d.Removed || d.NameChanged || d.GuidanceChanged || d.VoiceChanged || d.FaceChanged
}

// Diff compares old and new configs. Persona changes are reported in the
// order of new, followed by removals in the order of old.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	prev := make(map[string]types.Persona, len(old.Personas))
	for _, p := range old.Personas {
		prev[p.ID] = p
	}
	seen := make(map[string]bool, len(new.Personas))
	for _, p := range new.Personas {
		seen[p.ID] = true
		o, ok := prev[p.ID]
		pd := PersonaDiff{ID: p.ID, Added: !ok}
		if ok {
			pd.NameChanged = o.Name != p.Name
			pd.GuidanceChanged = o.Guidance != p.Guidance || o.Description != p.Description
			pd.VoiceChanged = o.Voice != p.Voice
			pd.FaceChanged = o.FaceRef != p.FaceRef
		}
		if pd.changed() {
			d.PersonaChanges = append(d.PersonaChanges, pd)
		}
	}
	for _, p := range old.Personas {
		if !seen[p.ID] {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{ID: p.ID, Removed: true})
		}
	}
	d.PersonasChanged = len(d.PersonaChanges) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.ObserveAddr != new.Server.ObserveAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Export != new.Export {
		d.RestartRequired = append(d.RestartRequired, "export")
	}
	if !slices.Equal(old.Bus.Servers, new.Bus.Servers) || old.Bus.SubjectPrefix != new.Bus.SubjectPrefix {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}
	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	names := func(l ProviderList) []string {
		out := make([]string, len(l))
		for i, e := range l {
			out[i] = e.Name + "/" + e.Model + "/" + e.BaseURL
		}
		return out
	}
	return slices.Equal(names(a.STT), names(b.STT)) &&
		slices.Equal(names(a.LLM), names(b.LLM)) &&
		slices.Equal(names(a.TTS), names(b.TTS)) &&
		a.Avatar.Name == b.Avatar.Name && a.Avatar.Model == b.Avatar.Model
}
