// Package ptyio exposes a byte stream on a pseudo-terminal so serial MIDI
// tools can attach to it like a hardware MIDI port.
//
// Bytes given to Port.Write come out of the slave side; bytes a tool writes
// into the slave are delivered to the read callback. Both directions are
// buffered in ring buffers; when a buffer is full the excess is dropped and
// counted, never blocking the caller.
//
//	port, err := ptyio.Open(&ptyio.Options{Symlink: "/tmp/blemidi"})
//	if err != nil {
//	    return err
//	}
//	defer port.Close()
//	port.SetReadCallback(func(b []byte) { transport.Write(b) })
//	port.Write([]byte{0x90, 0x3c, 0x7f})
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blemidi/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ReadCallback receives bytes written into the slave. It runs on the read
// loop goroutine and must not retain data.
type ReadCallback func(data []byte)

// ErrorCallback is invoked at most once when the read loop dies.
type ErrorCallback func(err error)

// Options configures Open. Zero values take the tagged defaults.
type Options struct {
	BufferSize  int           `default:"1024"`
	PollTimeout time.Duration `default:"50ms"`
	// Symlink, when set, is created pointing at the slave device and removed
	// on Close.
	Symlink string
	Logger  *logrus.Logger
	OnError ErrorCallback
}

// Stats holds traffic counters.
type Stats struct {
	Pending      int
	Capacity     int
	BytesOut     uint64 // written to the slave side
	BytesIn      uint64 // read from the slave side
	DroppedBytes uint64
}

// Port is an open PTY pair.
type Port struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	fd          int // master, nonblocking
	ttyName     string
	symlink     string
	pollTimeout int
	onError     ErrorCallback
	errOnce     sync.Once

	out     *ringbuffer.RingBuffer
	outWake chan struct{}
	readCb  atomic.Pointer[ReadCallback]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	bytesOut atomic.Uint64
	bytesIn  atomic.Uint64
	dropped  atomic.Uint64
}

// Open allocates a PTY, puts the slave in raw mode and starts the I/O loops.
func Open(opts *Options) (*Port, error) {
	if opts == nil {
		opts = &Options{}
	}
	defaults.SetDefaults(opts)

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	master, slave, fd, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Port{
		logger:      logger,
		master:      master,
		slave:       slave,
		fd:          fd,
		ttyName:     slave.Name(),
		pollTimeout: int(opts.PollTimeout / time.Millisecond),
		onError:     opts.OnError,
		out:         ringbuffer.New(opts.BufferSize),
		outWake:     make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	if p.pollTimeout <= 0 {
		p.pollTimeout = 1
	}

	if opts.Symlink != "" {
		_ = os.Remove(opts.Symlink)
		if err := os.Symlink(p.ttyName, opts.Symlink); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("symlink %s -> %s: %w", opts.Symlink, p.ttyName, err)
		}
		p.symlink = opts.Symlink
	}

	p.wg.Add(2)
	groutine.Go(ctx, "pty-read-loop", func(ctx context.Context) {
		defer p.wg.Done()
		p.readLoop(ctx)
	})
	groutine.Go(ctx, "pty-write-loop", func(ctx context.Context) {
		defer p.wg.Done()
		p.writeLoop(ctx)
	})

	logger.WithField("tty", p.ttyName).Debug("PTY opened")
	return p, nil
}

// openRaw returns the master, the raw-mode slave and the master fd switched
// to nonblocking mode. Fd() must not be called on master afterwards, as it
// would switch the descriptor back to blocking.
func openRaw() (*os.File, *os.File, int, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, 0, fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err)
	}
	fd := int(master.Fd())
	if err := syscall.SetNonblock(fd, true); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, 0, fmt.Errorf("failed to set PTY master nonblocking: %w", err)
	}
	return master, slave, fd, nil
}

// Name returns the slave device path, e.g. /dev/pts/5.
func (p *Port) Name() string {
	return p.ttyName
}

// Path returns the symlink if one was requested, the device path otherwise.
func (p *Port) Path() string {
	if p.symlink != "" {
		return p.symlink
	}
	return p.ttyName
}

// SetReadCallback installs cb; nil stops delivery and discards input.
func (p *Port) SetReadCallback(cb ReadCallback) {
	if cb == nil {
		p.readCb.Store(nil)
		return
	}
	p.readCb.Store(&cb)
}

// Write queues data for the slave side without blocking. It returns how many
// bytes were queued.
func (p *Port) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	// A full ring, or data longer than its free space, is a partial write:
	// the tail is dropped and counted, not reported to the caller.
	n, err := p.out.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n < len(data) {
		p.dropped.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{
			"dropped": len(data) - n,
			"queued":  n,
		}).Debug("PTY output buffer full")
	}

	select {
	case p.outWake <- struct{}{}:
	default:
	}
	return n, nil
}

func (p *Port) writeLoop(ctx context.Context) {
	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}}
	buf := make([]byte, 512)

	for {
		if p.out.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-p.outWake:
			}
		}

		n, err := p.out.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Warn("PTY output buffer read failed")
			continue
		}

		for off := 0; off < n; {
			w, err := master.Write(buf[off:n])
			if w > 0 {
				off += w
				p.bytesOut.Add(uint64(w))
			}
			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if ctx.Err() != nil {
					return
				}
				if _, perr := unix.Poll(pollFd, p.pollTimeout); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Debug("PTY poll failed")
				}
			default:
				if ctx.Err() == nil {
					p.logger.WithError(err).Warn("PTY write loop exiting")
				}
				return
			}
		}
	}
}

func (p *Port) readLoop(ctx context.Context) {
	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	buf := make([]byte, 512)

	for {
		if ctx.Err() != nil {
			return
		}

		ready, err := unix.Poll(pollFd, p.pollTimeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Debug("PTY poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			p.bytesIn.Add(uint64(n))
			if cb := p.readCb.Load(); cb != nil {
				(*cb)(buf[:n])
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, io.EOF), errors.Is(err, syscall.EIO):
			// no slave open; keep polling until one attaches
			time.Sleep(time.Duration(p.pollTimeout) * time.Millisecond)
		default:
			if ctx.Err() == nil {
				p.logger.WithError(err).Warn("PTY read loop exiting")
				if p.onError != nil {
					p.errOnce.Do(func() { p.onError(fmt.Errorf("pty read: %w", err)) })
				}
			}
			return
		}
	}
}

// Stats returns a snapshot of the counters.
func (p *Port) Stats() Stats {
	return Stats{
		Pending:      p.out.Length(),
		Capacity:     p.out.Capacity(),
		BytesOut:     p.bytesOut.Load(),
		BytesIn:      p.bytesIn.Load(),
		DroppedBytes: p.dropped.Load(),
	}
}

// Close stops the loops, closes both ends and removes the symlink. It is
// safe to call more than once.
func (p *Port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	p.wg.Wait()

	var errs []error
	if p.symlink != "" {
		if err := os.Remove(p.symlink); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}
	return errors.Join(errs...)
}
