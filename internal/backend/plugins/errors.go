package plugins

import (
	"errors"
	"fmt"
	"strings"

	"NetPulse/internal/backend/models"
)

var (
	ErrPluginNotFound         = errors.New("plugin not found")
	ErrPluginExists           = errors.New("plugin already registered")
	ErrPluginInUse            = errors.New("plugin is a dependency of another plugin")
	ErrNoPluginAvailable      = errors.New("no running plugin available for protocol")
	ErrIllegalStateTransition = errors.New("illegal plugin state transition")
	ErrDependencyCycle        = errors.New("plugin dependency cycle")
)

// TransitionError describes a lifecycle operation rejected in its current state.
type TransitionError struct {
	Type string
	Op   string
	From models.PluginState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("plugin %s: cannot %s from state %s", e.Type, e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalStateTransition }

// DependencyCycleError lists the plugin types that form or sit behind a cycle.
type DependencyCycleError struct {
	Types []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("plugin dependency cycle among: %s", strings.Join(e.Types, ", "))
}

func (e *DependencyCycleError) Unwrap() error { return ErrDependencyCycle }
