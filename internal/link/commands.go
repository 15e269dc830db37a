// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

package link

import "fmt"

// CommandHandler answers a CMD: payload with the text of the response frame
// (without the "CMD:" prefix or trailing CRLF).
type CommandHandler func(args string) string

// CommandRegistry holds SAT-side command handlers beyond the built-ins
// (PING, RESET, TXPOW, LPM), which SatLink handles itself before consulting
// the registry.
type CommandRegistry struct {
	handlers map[string]CommandHandler
}

// NewCommandRegistry returns an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{handlers: make(map[string]CommandHandler)}
}

// Register installs handler under name, replacing any existing handler.
func (r *CommandRegistry) Register(name string, handler CommandHandler) {
	r.handlers[name] = handler
}

// Unregister removes name's handler, if any.
func (r *CommandRegistry) Unregister(name string) {
	delete(r.handlers, name)
}

// Dispatch looks up name and runs its handler, or reports ErrCommand.
func (r *CommandRegistry) Dispatch(name, args string) (string, error) {
	h, ok := r.handlers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCommand, name)
	}
	return h(args), nil
}
