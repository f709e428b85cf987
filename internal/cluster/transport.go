package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxLineBytes caps a single message line. Batches are one line, so the
// limit is generous.
const MaxLineBytes = 16 << 20

// Transport performs the one-shot connect, write, optional read, close
// exchange every message in the protocol uses.
type Transport struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

// DefaultTransport is used by Send and Request.
var DefaultTransport = &Transport{DialTimeout: DefaultTimeout, IOTimeout: DefaultTimeout}

// Send delivers msg to addr without waiting for a reply.
func Send(ctx context.Context, addr string, msg Message) error {
	return DefaultTransport.Send(ctx, addr, msg)
}

// Request delivers msg to addr and returns the single reply line, decoded.
func Request(ctx context.Context, addr string, msg Message) (Message, error) {
	return DefaultTransport.Request(ctx, addr, msg)
}

// Send delivers msg to addr without waiting for a reply.
func (t *Transport) Send(ctx context.Context, addr string, msg Message) error {
	_, err := t.roundTrip(ctx, addr, msg, false)
	return err
}

// Request delivers msg to addr and returns the decoded reply.
func (t *Transport) Request(ctx context.Context, addr string, msg Message) (Message, error) {
	return t.roundTrip(ctx, addr, msg, true)
}

func (t *Transport) roundTrip(ctx context.Context, addr string, msg Message, wantReply bool) (Message, error) {
	line, err := Encode(msg)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: orDefault(t.DialTimeout)}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDial, addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(orDefault(t.IOTimeout))
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline %s: %w", addr, err)
	}

	if _, err := conn.Write(line); err != nil {
		return nil, fmt.Errorf("write %s to %s: %w", msg.Type(), addr, err)
	}
	if !wantReply {
		return nil, nil
	}

	reply, err := ReadLine(conn)
	if err != nil {
		return nil, fmt.Errorf("read reply from %s: %w", addr, err)
	}
	return Decode(reply)
}

// ReadLine reads one newline-terminated message of at most MaxLineBytes,
// newline included. A final line without a newline is accepted when the
// peer closes right after writing it.
func ReadLine(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(io.LimitReader(r, MaxLineBytes+1))
	line, err := br.ReadBytes('\n')
	if len(line) > MaxLineBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, MaxLineBytes)
	}
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return line, nil
		}
		return nil, err
	}
	return line, nil
}

func orDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
