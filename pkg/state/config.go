// SPDX-License-Identifier: BSD-3-Clause

package state

import (
	"context"
	"fmt"
	"time"
)

// StateEntryCallback is invoked when the machine enters a state.
type StateEntryCallback func(ctx context.Context) error

// StateExitCallback is invoked when the machine leaves a state.
type StateExitCallback func(ctx context.Context) error

// StateDefinition describes one state and its entry/exit hooks.
type StateDefinition struct {
	Name        string
	Description string
	OnEntry     StateEntryCallback
	OnExit      StateExitCallback
}

// TransitionGuard decides whether a transition may fire.
type TransitionGuard func(ctx context.Context) bool

// TransitionAction runs once a transition has fired, before persistence.
type TransitionAction func(ctx context.Context, from, to string) error

// TransitionDefinition describes one allowed state change.
type TransitionDefinition struct {
	From    string
	To      string
	Trigger string
	Guard   TransitionGuard
	Action  TransitionAction
}

// PersistenceCallback is called after a transition to persist the new state.
type PersistenceCallback func(machineName, state string) error

// BroadcastCallback is called after persistence to notify observers.
type BroadcastCallback func(machineName, previousState, currentState, trigger string) error

// Config holds the configuration for a state machine wrapper.
type Config struct {
	// Name is the unique identifier for the state machine.
	Name string
	// Description provides human-readable information about the state machine.
	Description string
	// InitialState is the starting state of the machine.
	InitialState string
	// States defines all possible states.
	States []StateDefinition
	// Transitions defines allowed transitions between states.
	Transitions []TransitionDefinition
	// StateTimeout is the maximum time a single Fire call may take.
	StateTimeout time.Duration
	// EnableTracing wraps Fire in an OpenTelemetry span when true.
	EnableTracing bool
	// PersistState calls PersistenceCallback after every successful transition.
	PersistState bool
	// PersistenceCallback is called when state changes need to be persisted.
	PersistenceCallback PersistenceCallback
	// BroadcastCallback is called when state changes need to be broadcast.
	BroadcastCallback BroadcastCallback
}

// Option represents a configuration option for the state machine.
type Option interface {
	apply(*Config)
}

type nameOption struct{ name string }

func (o *nameOption) apply(c *Config) { c.Name = o.name }

// WithName sets the name of the state machine.
func WithName(name string) Option { return &nameOption{name: name} }

type descriptionOption struct{ description string }

func (o *descriptionOption) apply(c *Config) { c.Description = o.description }

// WithDescription sets the description of the state machine.
func WithDescription(description string) Option {
	return &descriptionOption{description: description}
}

type initialStateOption struct{ state string }

func (o *initialStateOption) apply(c *Config) { c.InitialState = o.state }

// WithInitialState sets the initial state of the state machine.
func WithInitialState(state string) Option { return &initialStateOption{state: state} }

type stateOption struct{ def StateDefinition }

func (o *stateOption) apply(c *Config) { c.States = append(c.States, o.def) }

// WithState adds one state definition.
func WithState(def StateDefinition) Option { return &stateOption{def: def} }

type transitionOption struct{ def TransitionDefinition }

func (o *transitionOption) apply(c *Config) { c.Transitions = append(c.Transitions, o.def) }

// WithTransition adds a plain transition between two states.
func WithTransition(from, to, trigger string) Option {
	return &transitionOption{def: TransitionDefinition{From: from, To: to, Trigger: trigger}}
}

// WithGuardedTransition adds a transition with a guard condition.
func WithGuardedTransition(from, to, trigger string, guard TransitionGuard) Option {
	return &transitionOption{def: TransitionDefinition{From: from, To: to, Trigger: trigger, Guard: guard}}
}

// WithActionTransition adds a transition with a post-fire action.
func WithActionTransition(from, to, trigger string, action TransitionAction) Option {
	return &transitionOption{def: TransitionDefinition{From: from, To: to, Trigger: trigger, Action: action}}
}

type stateTimeoutOption struct{ timeout time.Duration }

func (o *stateTimeoutOption) apply(c *Config) { c.StateTimeout = o.timeout }

// WithStateTimeout sets the maximum duration for a single Fire call.
func WithStateTimeout(timeout time.Duration) Option { return &stateTimeoutOption{timeout: timeout} }

type tracingOption struct{ enable bool }

func (o *tracingOption) apply(c *Config) { c.EnableTracing = o.enable }

// WithTracing toggles span creation around Fire.
func WithTracing(enable bool) Option { return &tracingOption{enable: enable} }

type persistOption struct{ enable bool }

func (o *persistOption) apply(c *Config) { c.PersistState = o.enable }

// WithPersistState toggles whether PersistenceCallback is invoked after each transition.
func WithPersistState(enable bool) Option { return &persistOption{enable: enable} }

type persistenceOption struct{ callback PersistenceCallback }

func (o *persistenceOption) apply(c *Config) { c.PersistenceCallback = o.callback }

// WithPersistence sets the persistence callback.
func WithPersistence(callback PersistenceCallback) Option {
	return &persistenceOption{callback: callback}
}

type broadcastOption struct{ callback BroadcastCallback }

func (o *broadcastOption) apply(c *Config) { c.BroadcastCallback = o.callback }

// WithBroadcast sets the broadcast callback.
func WithBroadcast(callback BroadcastCallback) Option { return &broadcastOption{callback: callback} }

// NewConfig creates a new state machine configuration with the provided options.
func NewConfig(opts ...Option) *Config {
	cfg := &Config{
		StateTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt.apply(cfg)
	}

	return cfg
}

// Validate checks if the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidConfig)
	}

	if c.InitialState == "" {
		return fmt.Errorf("%w: initial state cannot be empty", ErrInvalidConfig)
	}

	if len(c.States) == 0 {
		return fmt.Errorf("%w: at least one state must be defined", ErrInvalidConfig)
	}

	stateNames := make(map[string]bool, len(c.States))
	initialStateFound := false
	for _, s := range c.States {
		if s.Name == "" {
			return fmt.Errorf("%w: state name cannot be empty", ErrInvalidConfig)
		}
		if stateNames[s.Name] {
			return fmt.Errorf("%w: duplicate state name: %s", ErrInvalidConfig, s.Name)
		}
		stateNames[s.Name] = true
		if s.Name == c.InitialState {
			initialStateFound = true
		}
	}

	if !initialStateFound {
		return fmt.Errorf("%w: initial state %s not found in states list", ErrInvalidConfig, c.InitialState)
	}

	for _, t := range c.Transitions {
		if t.From == "" || t.To == "" {
			return fmt.Errorf("%w: transition from and to states cannot be empty", ErrInvalidConfig)
		}
		if t.Trigger == "" {
			return fmt.Errorf("%w: transition trigger cannot be empty", ErrInvalidConfig)
		}
		if !stateNames[t.From] {
			return fmt.Errorf("%w: transition from state %s not found", ErrInvalidConfig, t.From)
		}
		if !stateNames[t.To] {
			return fmt.Errorf("%w: transition to state %s not found", ErrInvalidConfig, t.To)
		}
	}

	if c.StateTimeout <= 0 {
		return fmt.Errorf("%w: state timeout must be positive", ErrInvalidConfig)
	}

	return nil
}
