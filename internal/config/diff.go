package config

import "reflect"

// ConfigDiff describes what changed between two configs. Sections are the
// top-level YAML keys whose values differ, in declaration order.
type ConfigDiff struct {
	Sections        []string
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// Changed reports whether any section differs.
func (d ConfigDiff) Changed() bool { return len(d.Sections) > 0 }

// Has reports whether section changed.
func (d ConfigDiff) Has(section string) bool {
	for _, s := range d.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Diff compares old and new section by section. A nil old config counts as
// empty.
func Diff(old, new *Config) ConfigDiff {
	if old == nil {
		old = &Config{}
	}
	if new == nil {
		new = &Config{}
	}
	d := ConfigDiff{}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ov, nv := reflect.ValueOf(*old), reflect.ValueOf(*new)
	t := ov.Type()
	for i := range t.NumField() {
		if reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		name := t.Field(i).Tag.Get("yaml")
		if name == "" {
			name = t.Field(i).Name
		}
		d.Sections = append(d.Sections, name)
	}
	return d
}
