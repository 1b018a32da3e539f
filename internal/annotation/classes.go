// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

package annotation

// ClassConfig is the active set of annotation class names. Every annotation's
// mclass must name one of them.
type ClassConfig struct {
	names   []string
	present map[string]struct{}
}

// DefaultClasses covers the Bethesda-style reporting categories used by the
// default annotation palette.
var DefaultClasses = []string{"NILM", "ASC-US", "ASC-H", "LSIL", "HSIL", "SCC", "AdC", "Other"}

// NewClassConfig builds a class configuration from an ordered name list.
// An empty list falls back to DefaultClasses.
func NewClassConfig(names []string) *ClassConfig {
	if len(names) == 0 {
		names = DefaultClasses
	}
	cfg := &ClassConfig{
		names:   make([]string, len(names)),
		present: make(map[string]struct{}, len(names)),
	}
	copy(cfg.names, names)
	for _, n := range names {
		cfg.present[n] = struct{}{}
	}
	return cfg
}

// Contains reports whether name is a configured class.
func (c *ClassConfig) Contains(name string) bool {
	_, ok := c.present[name]
	return ok
}

// Names returns the configured class names in order.
func (c *ClassConfig) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}
