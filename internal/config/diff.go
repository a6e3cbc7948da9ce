package config

import "reflect"

// ConfigDiff describes what changed between two configs.
//
// Only the log level is applied to a running process. Live and audio changes
// take effect when the next session starts.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	StatusAddrChanged bool

	// LiveChanged lists changed live.* keys, e.g. "voice", "tools".
	LiveChanged []string

	AudioChanged bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.StatusAddrChanged && len(d.LiveChanged) == 0 && !d.AudioChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.StatusAddrChanged = old.Server.StatusAddr != new.Server.StatusAddr
	d.LiveChanged = diffLive(&old.Live, &new.Live)
	d.AudioChanged = !reflect.DeepEqual(old.Audio, new.Audio)
	return d
}

// diffLive returns the yaml keys of changed live fields in schema order.
func diffLive(old, new *LiveConfig) []string {
	var changed []string
	ov, nv := reflect.ValueOf(*old), reflect.ValueOf(*new)
	t := ov.Type()
	for i := range t.NumField() {
		if !reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			changed = append(changed, t.Field(i).Tag.Get("yaml"))
		}
	}
	return changed
}
