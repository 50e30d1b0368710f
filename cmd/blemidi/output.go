package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/srg/blemidi/pkg/blemidi"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// printer renders what the serve loop observes.
type printer interface {
	Started(name, backend string)
	PTY(path string)
	RX(data []byte)
	Event(ev blemidi.Event)
}

func newPrinter(format string, out io.Writer) (printer, error) {
	switch format {
	case formatText:
		return &textPrinter{out: out}, nil
	case formatJSON:
		return &jsonPrinter{enc: json.NewEncoder(out)}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (must be %s or %s)", format, formatText, formatJSON)
	}
}

type textPrinter struct {
	out io.Writer
}

func (p *textPrinter) Started(name, backend string) {
	fmt.Fprintf(p.out, "Advertising %q via %s\n", name, backend)
}

func (p *textPrinter) PTY(path string) {
	fmt.Fprintf(p.out, "MIDI PTY: %s\n", path)
}

func (p *textPrinter) RX(data []byte) {
	color.New(color.FgCyan).Fprintf(p.out, "RX %s\n", formatHex(data))
}

func (p *textPrinter) Event(ev blemidi.Event) {
	var c *color.Color
	switch ev.Kind {
	case blemidi.EventConnected:
		c = color.New(color.FgGreen)
	case blemidi.EventDisconnected:
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.FgMagenta)
	}

	line := fmt.Sprintf("%s %-14s handle=%d addr=%s", ev.At.Format("15:04:05.000"), ev.Kind, ev.Conn.Handle, ev.Conn.Address)
	if ev.Kind == blemidi.EventParamsUpdated {
		line += fmt.Sprintf(" interval=%d latency=%d timeout=%d mtu=%d",
			ev.Conn.Interval, ev.Conn.Latency, ev.Conn.Timeout, ev.Conn.MTU)
	}
	if ev.Err != nil {
		line += fmt.Sprintf(" (%v)", ev.Err)
	}
	c.Fprintln(p.out, line)
}

// jsonRecord is one line of --format json output.
type jsonRecord struct {
	Type     string     `json:"type"`
	At       *time.Time `json:"at,omitempty"`
	Name     string     `json:"name,omitempty"`
	Backend  string     `json:"backend,omitempty"`
	Path     string     `json:"path,omitempty"`
	Data     []int      `json:"data,omitempty"`
	Kind     string     `json:"kind,omitempty"`
	Handle   uint16     `json:"handle,omitempty"`
	Address  string     `json:"address,omitempty"`
	Interval uint16     `json:"interval,omitempty"`
	Latency  uint16     `json:"latency,omitempty"`
	Timeout  uint16     `json:"timeout,omitempty"`
	MTU      int        `json:"mtu,omitempty"`
	Error    string     `json:"error,omitempty"`
}

type jsonPrinter struct {
	enc *json.Encoder
}

func (p *jsonPrinter) emit(r jsonRecord) {
	_ = p.enc.Encode(r)
}

func (p *jsonPrinter) Started(name, backend string) {
	p.emit(jsonRecord{Type: "started", Name: name, Backend: backend})
}

func (p *jsonPrinter) PTY(path string) {
	p.emit(jsonRecord{Type: "pty", Path: path})
}

func (p *jsonPrinter) RX(data []byte) {
	// ints, not base64
	values := make([]int, len(data))
	for i, b := range data {
		values[i] = int(b)
	}
	p.emit(jsonRecord{Type: "rx", Data: values})
}

func (p *jsonPrinter) Event(ev blemidi.Event) {
	at := ev.At
	r := jsonRecord{
		Type:    "event",
		At:      &at,
		Kind:    ev.Kind.String(),
		Handle:  ev.Conn.Handle,
		Address: ev.Conn.Address,
	}
	if ev.Kind == blemidi.EventParamsUpdated {
		r.Interval = ev.Conn.Interval
		r.Latency = ev.Conn.Latency
		r.Timeout = ev.Conn.Timeout
		r.MTU = ev.Conn.MTU
	}
	if ev.Err != nil {
		r.Error = ev.Err.Error()
	}
	p.emit(r)
}

func formatHex(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	return sb.String()
}
