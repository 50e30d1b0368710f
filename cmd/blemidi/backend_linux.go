package main

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/pkg/stack"
	"github.com/srg/blemidi/pkg/stack/bluez"
)

func newBluezStack(logger *logrus.Logger) (stack.Stack, error) {
	return bluez.New(logger), nil
}
