// Package blemidi bridges a BLE peripheral stack to a polling MIDI consumer.
//
// The stack delivers characteristic writes and peer connect/disconnect events
// on its own goroutines. The MIDI layer runs a single-threaded poll loop that
// must never block. The two meet in one place: a bounded byte queue owned by
// the Peripheral. Everything else is either owned by the stack (GATT database,
// connection table) or by the poll loop (outgoing transmission buffer).
//
// Typical wiring:
//
//	transport, peripheral := blemidi.NewInstance("My-MIDI", goble.New(logger),
//	    blemidi.WithLogger(logger))
//	transport.OnConnected(func() { log.Println("connected") })
//	if err := transport.Begin(); err != nil {
//	    return err
//	}
//	defer peripheral.End()
//
//	for {
//	    for b, ok := transport.Poll(); ok; b, ok = transport.Poll() {
//	        parser.Feed(b)
//	    }
//	    time.Sleep(time.Millisecond)
//	}
package blemidi
