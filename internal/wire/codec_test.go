package wire

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func pipeCodecs(t *testing.T) (*Codec, *Codec) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewCodec(a), NewCodec(b)
}

func TestCodec_RoundTrip(t *testing.T) {
	client, server := pipeCodecs(t)

	big := strings.Repeat("0123456789abcdef", 700) // > ChunkSize, spans several reads
	values := []string{"version", "", "mainnet0009", big}

	errCh := make(chan error, 1)
	go func() {
		args := make([]interface{}, len(values))
		for i, v := range values {
			args[i] = v
		}
		errCh <- client.Send(args...)
	}()

	for i, want := range values {
		got, err := server.RecvString()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if got != want {
			t.Errorf("frame %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestCodec_HeaderFormat(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go NewCodec(a).Send("ok", 42)

	buf := make([]byte, 0, 32)
	tmp := make([]byte, 32)
	for len(buf) < 24 {
		n, err := b.Read(tmp)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		buf = append(buf, tmp[:n]...)
	}
	if want := []byte("0000000002ok000000000242"); !bytes.Equal(buf[:24], want) {
		t.Errorf("wire bytes = %q, want %q", buf[:24], want)
	}
}

func TestCodec_RecvInt(t *testing.T) {
	client, server := pipeCodecs(t)
	go client.Send(int64(105944), "nope")

	n, err := server.RecvInt()
	if err != nil {
		t.Fatalf("RecvInt: %v", err)
	}
	if n != 105944 {
		t.Errorf("RecvInt = %d, want 105944", n)
	}

	_, err = server.RecvInt()
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("non-integer frame: err = %v, want protocol violation", err)
	}
}

func TestCodec_ClosedConnection(t *testing.T) {
	a, b := net.Pipe()
	server := NewCodec(b)
	a.Close()

	_, err := server.Recv()
	if !errors.Is(err, ErrConnectionBroken) {
		t.Fatalf("err = %v, want ErrConnectionBroken", err)
	}
}

func TestCodec_TruncatedPayload(t *testing.T) {
	a, b := net.Pipe()
	server := NewCodec(b)
	go func() {
		a.Write([]byte("0000000010abc"))
		a.Close()
	}()

	_, err := server.Recv()
	if !errors.Is(err, ErrConnectionBroken) {
		t.Fatalf("err = %v, want ErrConnectionBroken", err)
	}
}

func TestCodec_BadHeader(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	server := NewCodec(b)
	go a.Write([]byte("hello world"))

	_, err := server.Recv()
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("err = %v, want ErrProtocolViolation", err)
	}
}

func TestCodec_WaitReadable(t *testing.T) {
	client, server := pipeCodecs(t)

	ok, err := server.WaitReadable(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("WaitReadable idle: %v", err)
	}
	if ok {
		t.Fatal("WaitReadable reported data on an idle connection")
	}

	go client.Send("sync")

	ok, err = server.WaitReadable(time.Second)
	if err != nil || !ok {
		t.Fatalf("WaitReadable = %v, %v; want true, nil", ok, err)
	}
	got, err := server.RecvString()
	if err != nil {
		t.Fatalf("recv after wait: %v", err)
	}
	if got != "sync" {
		t.Errorf("got %q, want sync", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Action
	}{
		{Violation("unknown command %q", "x"), ActionStrikeClose},
		{ErrInvalidProof, ActionStrike},
		{ErrConnectionBroken, ActionClose},
		{ErrSessionClosed, ActionClose},
		{errors.New("other"), ActionClose},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
