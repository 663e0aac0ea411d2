package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	// HeaderSize is the width of the zero-padded decimal length prefix.
	HeaderSize = 10

	// ChunkSize is the largest single read issued while collecting a payload.
	ChunkSize = 2048

	// MaxFrameSize bounds a single payload. Peers announce block batches in
	// one frame, so this is generous.
	MaxFrameSize = 32 * 1024 * 1024
)

// Codec reads and writes length-prefixed frames on a connection. Both the
// peer and miner protocols use it.
//
// Reads are not synchronized and must come from a single goroutine.
// Writes may come from any goroutine.
type Codec struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
}

// NewCodec wraps conn.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, ChunkSize),
	}
}

// Send writes each value as its own frame. Values are stringified the way
// the Bismuth node expects: integers in decimal, everything else as text.
func (c *Codec) Send(values ...interface{}) error {
	var buf []byte
	for _, v := range values {
		payload := stringify(v)
		buf = append(buf, fmt.Sprintf("%0*d", HeaderSize, len(payload))...)
		buf = append(buf, payload...)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("%w: write: %v", ErrConnectionBroken, err)
	}
	return nil
}

// Recv reads one frame.
func (c *Codec) Recv() ([]byte, error) {
	var header [HeaderSize]byte
	if err := c.readFull(header[:]); err != nil {
		return nil, err
	}

	size, err := strconv.Atoi(string(header[:]))
	if err != nil || size < 0 {
		return nil, Violation("bad frame header %q", header[:])
	}
	if size > MaxFrameSize {
		return nil, Violation("frame of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	received := 0
	for received < size {
		end := received + ChunkSize
		if end > size {
			end = size
		}
		n, err := c.reader.Read(payload[received:end])
		if n == 0 && err == nil {
			err = io.ErrUnexpectedEOF
		}
		received += n
		if err != nil && received < size {
			return nil, broken(err)
		}
	}
	return payload, nil
}

// RecvString reads one frame as text.
func (c *Codec) RecvString() (string, error) {
	b, err := c.Recv()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RecvInt reads one frame holding a decimal integer. A frame that does not
// parse is a protocol violation.
func (c *Codec) RecvInt() (int64, error) {
	s, err := c.RecvString()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, Violation("expected integer, got %q", truncate(s, 32))
	}
	return n, nil
}

// WaitReadable blocks until at least one byte is available or timeout
// elapses. It returns false on timeout without consuming any input, so an
// idle wait can never split a frame.
func (c *Codec) WaitReadable(timeout time.Duration) (bool, error) {
	if c.reader.Buffered() > 0 {
		return true, nil
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, broken(err)
	}
	_, err := c.reader.Peek(1)
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil
		}
		return false, broken(err)
	}
	return true, nil
}

// RemoteAddr returns the remote network address.
func (c *Codec) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection, unblocking any pending read.
func (c *Codec) Close() error {
	return c.conn.Close()
}

func (c *Codec) readFull(buf []byte) error {
	n, err := io.ReadFull(c.reader, buf)
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return ErrConnectionBroken
		}
		return broken(err)
	}
	return nil
}

func broken(err error) error {
	if errors.Is(err, ErrConnectionBroken) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrConnectionBroken, err)
}

func stringify(v interface{}) []byte {
	switch x := v.(type) {
	case string:
		return []byte(x)
	case []byte:
		return x
	case int:
		return []byte(strconv.Itoa(x))
	case int64:
		return []byte(strconv.FormatInt(x, 10))
	case fmt.Stringer:
		return []byte(x.String())
	default:
		return []byte(fmt.Sprint(x))
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
