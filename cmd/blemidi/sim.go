package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/pkg/stack"
	"github.com/srg/blemidi/pkg/stack/memstack"
)

const simCentralAddress = "sim:central"

// simNotes alternates BLE-MIDI packets carrying Note On and Note Off for
// middle C.
var simNotes = [][]byte{
	{0x80, 0x80, 0x90, 0x3c, 0x64},
	{0x80, 0x80, 0x80, 0x3c, 0x00},
}

// runSimCentral connects a simulated central to st, subscribes to the MIDI
// characteristic and writes notes every interval until ctx is done.
func runSimCentral(ctx context.Context, st *memstack.Stack, interval time.Duration, logger *logrus.Logger) {
	handle, err := st.Connect(simCentralAddress)
	if err != nil {
		logger.WithError(err).Warn("Simulated central could not connect")
		return
	}
	if err := st.Subscribe(handle, stack.MIDICharacteristicUUID); err != nil {
		logger.WithError(err).Warn("Simulated central could not subscribe")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := st.Write(handle, stack.MIDICharacteristicUUID, simNotes[i%len(simNotes)]); err != nil {
			logger.WithError(err).Debug("Simulated write failed")
			return
		}
	}
}
