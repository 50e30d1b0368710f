package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blemidi/internal/ptyio"
	"github.com/srg/blemidi/pkg/blemidi"
	"github.com/srg/blemidi/pkg/config"
	"github.com/srg/blemidi/pkg/stack/memstack"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Advertise as a BLE-MIDI peripheral and print incoming MIDI",
	Long: `Begins the BLE-MIDI peripheral and polls the received byte stream.

Every byte a connected central writes to the MIDI characteristic is printed
(or, with --pty, forwarded to a pseudo-terminal). Bytes written into the PTY
are sent back to subscribed centrals as notifications.

Example:
  blemidi serve --name "Studio Keys"
  blemidi serve --backend bluez --pty --symlink /tmp/blemidi
  blemidi serve --backend sim --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveConfigPath   string
	serveName         string
	serveVendor       string
	serveModel        string
	serveBackend      string
	servePTY          bool
	serveSymlink      string
	servePollInterval time.Duration
	serveSimInterval  time.Duration
	serveFormat       string
)

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "YAML config file")
	serveCmd.Flags().StringVar(&serveName, "name", "", "Advertised device name (default from config: BLE-MIDI)")
	serveCmd.Flags().StringVar(&serveVendor, "vendor", "", "Manufacturer name published in Device Information")
	serveCmd.Flags().StringVar(&serveModel, "model", "", "Model number published in Device Information")
	serveCmd.Flags().StringVar(&serveBackend, "backend", "", "BLE stack: goble, bluez or sim (default from config: goble)")
	serveCmd.Flags().BoolVar(&servePTY, "pty", false, "Bridge the MIDI byte stream to a PTY")
	serveCmd.Flags().StringVar(&serveSymlink, "symlink", "", "Create a symlink to the PTY device (implies --pty)")
	serveCmd.Flags().DurationVar(&servePollInterval, "poll-interval", time.Millisecond, "Idle delay between polls of the receive queue")
	serveCmd.Flags().StringVar(&serveFormat, "format", formatText, "Output format: text or json (one object per line)")
	serveCmd.Flags().DurationVar(&serveSimInterval, "sim-interval", time.Second, "Delay between notes sent by the simulated central (sim backend)")
}

// loadServeConfig reads --config (or defaults) and applies flag overrides.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if serveConfigPath != "" {
		loaded, err := config.Load(serveConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Device.Name = serveName
	}
	if flags.Changed("vendor") {
		cfg.Device.Vendor = serveVendor
	}
	if flags.Changed("model") {
		cfg.Device.Model = serveModel
	}
	if flags.Changed("backend") {
		cfg.Backend = serveBackend
	}
	if servePTY {
		cfg.PTY.Enabled = true
	}
	if serveSymlink != "" {
		cfg.PTY.Enabled = true
		cfg.PTY.Symlink = serveSymlink
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	out, err := newPrinter(serveFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := newStack(cfg.Backend, logger)
	if err != nil {
		return err
	}

	transport, peripheral := blemidi.NewInstance(cfg.Device.Name, st,
		blemidi.WithSettings(cfg.Settings()),
		blemidi.WithLogger(logger),
		blemidi.WithDeviceInfo(cfg.DeviceInfo()),
	)
	transport.OnConnected(func() {
		logger.WithField("connections", transport.ConnectionCount()).Debug("Connected hook")
	})
	transport.OnDisconnected(func() {
		logger.WithField("connections", transport.ConnectionCount()).Debug("Disconnected hook")
	})

	if err := transport.Begin(); err != nil {
		return err
	}
	defer func() {
		if err := transport.End(); err != nil {
			logger.WithError(err).Warn("Shutdown incomplete")
		}
	}()

	out.Started(transport.Name(), cfg.Backend)

	var port *ptyio.Port
	if cfg.PTY.Enabled {
		port, err = ptyio.Open(&ptyio.Options{
			BufferSize: cfg.Buffer.Size * 16,
			Symlink:    cfg.PTY.Symlink,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer port.Close()

		port.SetReadCallback(func(data []byte) {
			transport.Write(data)
		})
		out.PTY(port.Path())
	}

	if sim, ok := st.(*memstack.Stack); ok {
		go runSimCentral(ctx, sim, serveSimInterval, logger)
	}

	pollLoop(ctx, transport, peripheral, port, out, logger)
	logger.Info("Shutting down")
	return nil
}

// cmdContext returns the command context, or Background when run without one.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// pollLoop drains the receive queue and the event log until ctx is done.
func pollLoop(ctx context.Context, t *blemidi.Transport, p *blemidi.Peripheral, port *ptyio.Port, out printer, logger *logrus.Logger) {
	buf := make([]byte, 0, p.Settings().MaxBufferSize)

	for ctx.Err() == nil {
		buf = buf[:0]
		for len(buf) < cap(buf) {
			b, ok := t.Poll()
			if !ok {
				break
			}
			buf = append(buf, b)
		}

		if len(buf) > 0 {
			if port != nil {
				forwardToPTY(port, buf, logger)
			} else {
				out.RX(buf)
			}
		}

		for _, ev := range p.Events() {
			out.Event(ev)
		}

		if len(buf) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(servePollInterval):
			}
		}
	}
}

// forwardToPTY writes received MIDI bytes to the PTY, logging what did not fit.
func forwardToPTY(port *ptyio.Port, buf []byte, logger *logrus.Logger) {
	n, err := port.Write(buf)
	if err != nil {
		logger.WithError(err).Warn("PTY write failed")
		return
	}
	if n < len(buf) {
		logger.WithFields(logrus.Fields{
			"dropped":       len(buf) - n,
			"total_dropped": port.Stats().DroppedBytes,
		}).Warn("PTY output buffer full, MIDI bytes dropped")
	}
}
