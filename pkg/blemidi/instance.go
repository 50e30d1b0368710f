package blemidi

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/pkg/stack"
)

// Option configures NewInstance and NewTransport.
type Option func(*options)

type options struct {
	settings *Settings
	logger   *logrus.Logger
	parser   Parser
	info     DeviceInfo
}

func applyOptions(opts []Option) options {
	cfg := options{
		parser: PassthroughParser{},
		info: DeviceInfo{
			Vendor: "Generic",
			Model:  "BLE-MIDI",
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithSettings overrides the default settings.
func WithSettings(s *Settings) Option {
	return func(o *options) { o.settings = s }
}

// WithLogger sets the logger shared by the transport and the peripheral.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithParser replaces the default PassthroughParser.
func WithParser(p Parser) Option {
	return func(o *options) {
		if p != nil {
			o.parser = p
		}
	}
}

// WithDeviceInfo sets the Device Information Service strings.
func WithDeviceInfo(info DeviceInfo) Option {
	return func(o *options) { o.info = info }
}

// NewInstance builds a wired Transport/Peripheral pair on st. The caller owns
// both; an empty deviceName uses DefaultDeviceName.
func NewInstance(deviceName string, st stack.Stack, opts ...Option) (*Transport, *Peripheral) {
	if deviceName == "" {
		deviceName = DefaultDeviceName
	}
	cfg := applyOptions(opts)
	p := NewPeripheral(st, cfg.settings, cfg.logger)
	return NewTransport(deviceName, p, opts...), p
}
