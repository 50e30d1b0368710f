package blemidi

// Parser turns the raw value of one characteristic write into bytes for the
// poll loop. BLE-MIDI packet decoding plugs in here.
type Parser interface {
	Parse(packet []byte, emit func(byte))
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(packet []byte, emit func(byte))

func (f ParserFunc) Parse(packet []byte, emit func(byte)) { f(packet, emit) }

// PassthroughParser emits every byte of the packet unchanged, leaving framing
// to the consumer.
type PassthroughParser struct{}

func (PassthroughParser) Parse(packet []byte, emit func(byte)) {
	for _, b := range packet {
		emit(b)
	}
}
