//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/pkg/stack"
)

func newBluezStack(_ *logrus.Logger) (stack.Stack, error) {
	return nil, fmt.Errorf("bluez backend on %s: %w", runtime.GOOS, stack.ErrUnsupported)
}
