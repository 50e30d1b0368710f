package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/pkg/stack"
	"github.com/srg/blemidi/pkg/stack/goble"
	"github.com/srg/blemidi/pkg/stack/memstack"
)

const (
	backendGoble = "goble"
	backendBluez = "bluez"
	backendSim   = "sim"
)

// newStack builds the named backend.
func newStack(backend string, logger *logrus.Logger) (stack.Stack, error) {
	switch backend {
	case backendGoble:
		return goble.New(logger), nil
	case backendBluez:
		return newBluezStack(logger)
	case backendSim:
		return memstack.New(&memstack.Options{Logger: logger}), nil
	default:
		return nil, fmt.Errorf("%w: %q (must be %s, %s or %s)", ErrUnknownBackend, backend,
			backendGoble, backendBluez, backendSim)
	}
}
