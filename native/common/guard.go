package common

import (
	"errors"
	"fmt"
)

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named module or action is switched off.
type PauseView interface {
	IsPaused(name string) bool
}

// PauseSet is a mutable PauseView keyed by name.
type PauseSet map[string]bool

func (s PauseSet) IsPaused(name string) bool { return s[name] }

// Guard fails with ErrModulePaused when any of names is paused in p.
func Guard(p PauseView, names ...string) error {
	if p == nil {
		return nil
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if p.IsPaused(name) {
			return fmt.Errorf("%w: %s", ErrModulePaused, name)
		}
	}
	return nil
}
