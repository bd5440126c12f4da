// Package wire implements the line-oriented control protocol spoken between
// cluster nodes, including the length-prefixed channel transfer mode used
// for every opaque payload.
package wire

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// Control tokens. Exact and case-sensitive.
const (
	TokenReady           = "READY"
	TokenPing            = "PING"
	TokenProbeAck        = "CCSERVER"
	TokenPassive         = "PASSIVE"
	TokenActive          = "ACTIVE"
	TokenReturn          = "RET"
	TokenReceivedAt      = "RECEIVEDAT"
	TokenExists          = "EXISTS"
	TokenNonexist        = "NONEXIST"
	TokenRunning         = "RUNNING"
	TokenDone            = "DONE"
	TokenChannelTransfer = "CHANNELTRANSFER"
	TokenChannelReady    = "CHANNELREADY"
	TokenGot             = "GOT"
	TokenUnsupported     = "UNSUPPORTED"
	TokenCompletionOK    = "PROCESSCOMPLETION:SUCCESS"
	TokenCompletionFail  = "PROCESSCOMPLETION:FAILURE"

	CompletionPrefix = "PROCESSCOMPLETION:"
	FailPrefix       = "FAIL:"
)

const (
	maxLineLength           = 4096
	DefaultMaxTransferBytes = 64 << 20
)

var (
	// ErrDesync marks a peer that sent a token or transfer mode other than
	// the one the protocol step requires. Always fatal to the connection.
	ErrDesync = errors.New("out-of-sync transfer")
	// ErrRemoteFailure marks a FAIL:<reason> received from the peer.
	ErrRemoteFailure = errors.New("remote failure")
	// ErrTransferTooLarge is returned for channel payloads over the limit.
	ErrTransferTooLarge = errors.New("channel transfer too large")
)

// RemoteError carries the reason of a FAIL:<reason> token.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return "peer reported failure: " + e.Reason
}

// Is lets errors.Is match ErrRemoteFailure.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteFailure
}

// FailToken builds a FAIL:<reason> token. Newlines are flattened so the
// reason stays on one line.
func FailToken(reason string) string {
	return FailPrefix + strings.NewReplacer("\r", " ", "\n", " ").Replace(reason)
}

// Stats counts payload bytes moved through channel transfers.
type Stats struct {
	BytesSent     int64
	BytesReceived int64
}

// Conn is one cluster connection. Reads are single-owner; writes are
// serialized so a running task can share the connection for its output.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	timeout     atomic.Int64
	maxTransfer int64

	sent     atomic.Int64
	received atomic.Int64
}

// NewConn wraps c. timeout bounds every individual read and write; zero
// disables deadlines.
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	wc := &Conn{
		conn:        c,
		r:           bufio.NewReaderSize(c, maxLineLength),
		w:           bufio.NewWriter(c),
		maxTransfer: DefaultMaxTransferBytes,
	}
	wc.timeout.Store(int64(timeout))
	return wc
}

// SetTimeout changes the per-operation deadline. Zero disables it.
func (c *Conn) SetTimeout(d time.Duration) {
	c.timeout.Store(int64(d))
}

// SetMaxTransfer bounds the size of a received channel payload.
func (c *Conn) SetMaxTransfer(n int64) {
	if n > 0 {
		c.maxTransfer = n
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Stats returns payload byte counts.
func (c *Conn) Stats() Stats {
	return Stats{BytesSent: c.sent.Load(), BytesReceived: c.received.Load()}
}

// WatchContext closes the connection when ctx is done, unblocking any
// pending I/O. The returned func stops watching.
func (c *Conn) WatchContext(ctx context.Context) func() {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-stop:
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func (c *Conn) readDeadline() {
	if d := time.Duration(c.timeout.Load()); d > 0 {
		c.conn.SetReadDeadline(time.Now().Add(d))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
}

func (c *Conn) writeDeadline() {
	if d := time.Duration(c.timeout.Load()); d > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(d))
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
}

// WriteToken sends one control line.
func (c *Conn) WriteToken(tok string) error {
	if strings.ContainsAny(tok, "\r\n") {
		return errors.Newf("token %q spans lines", tok)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.writeDeadline()
	if _, err := c.w.WriteString(tok + "\n"); err != nil {
		return errors.Wrapf(err, "write %q", tok)
	}
	return errors.Wrapf(c.w.Flush(), "write %q", tok)
}

// WriteInt sends a decimal integer line.
func (c *Conn) WriteInt(n int64) error {
	return c.WriteToken(strconv.FormatInt(n, 10))
}

// ReadLine reads one raw line without interpreting it. A line longer than
// the read buffer is a desync.
func (c *Conn) ReadLine() (string, error) {
	c.readDeadline()
	line, err := c.r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", errors.Mark(errors.Newf("control line exceeds %d bytes", maxLineLength), ErrDesync)
		}
		if err == io.EOF && len(line) == 0 {
			return "", io.EOF
		}
		return "", errors.Wrap(err, "read line")
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// ReadToken reads a control token. A peer that started a channel transfer
// instead is a desync; FAIL:<reason> surfaces as a RemoteError.
func (c *Conn) ReadToken() (string, error) {
	line, err := c.ReadLine()
	if err != nil {
		return "", err
	}
	if line == TokenChannelTransfer {
		return "", errors.Wrap(ErrDesync, "expected control token, peer started channel transfer")
	}
	if strings.HasPrefix(line, FailPrefix) {
		return "", &RemoteError{Reason: strings.TrimPrefix(line, FailPrefix)}
	}
	return line, nil
}

// Expect reads a control token and requires it to equal want.
func (c *Conn) Expect(want string) error {
	got, err := c.ReadToken()
	if err != nil {
		return err
	}
	if got != want {
		return errors.Wrapf(ErrDesync, "expected %q, got %q", want, got)
	}
	return nil
}

// ReadInt reads a decimal integer line.
func (c *Conn) ReadInt() (int64, error) {
	tok, err := c.ReadToken()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrDesync, "expected integer, got %q", tok)
	}
	return n, nil
}

// SendChannel moves b to the peer using channel transfer mode.
func (c *Conn) SendChannel(b []byte) error {
	if err := c.WriteToken(TokenChannelTransfer); err != nil {
		return err
	}
	if err := c.Expect(TokenChannelReady); err != nil {
		return errors.Wrap(err, "channel transfer")
	}
	if err := c.writeRaw(b); err != nil {
		return err
	}
	if err := c.Expect(TokenGot); err != nil {
		return errors.Wrap(err, "channel transfer")
	}
	c.sent.Add(int64(len(b)))
	return nil
}

func (c *Conn) writeRaw(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.writeDeadline()
	if _, err := c.w.WriteString(strconv.Itoa(len(b)) + "\n"); err != nil {
		return errors.Wrap(err, "write channel length")
	}
	if _, err := c.w.Write(b); err != nil {
		return errors.Wrap(err, "write channel bytes")
	}
	return errors.Wrap(c.w.Flush(), "write channel bytes")
}

// ReceiveChannel reads one channel transfer from the peer.
func (c *Conn) ReceiveChannel() ([]byte, error) {
	line, err := c.ReadLine()
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(line, FailPrefix) {
		return nil, &RemoteError{Reason: strings.TrimPrefix(line, FailPrefix)}
	}
	if line != TokenChannelTransfer {
		return nil, errors.Wrapf(ErrDesync, "expected channel transfer, got %q", line)
	}
	if err := c.WriteToken(TokenChannelReady); err != nil {
		return nil, err
	}
	n, err := c.ReadInt()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.Wrapf(ErrDesync, "negative channel length %d", n)
	}
	if n > c.maxTransfer {
		return nil, errors.Wrapf(ErrTransferTooLarge, "%d bytes, limit %d", n, c.maxTransfer)
	}

	buf := make([]byte, n)
	c.readDeadline()
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, errors.Wrap(err, "read channel bytes")
	}
	if err := c.WriteToken(TokenGot); err != nil {
		return nil, err
	}
	c.received.Add(n)
	return buf, nil
}

// Writer returns an io.Writer that sends raw output on the connection,
// interleaved safely with control tokens.
func (c *Conn) Writer() io.Writer {
	return connWriter{c}
}

// Reader returns the buffered input of the connection.
func (c *Conn) Reader() io.Reader {
	return c.r
}

type connWriter struct{ c *Conn }

func (w connWriter) Write(p []byte) (int, error) {
	w.c.wmu.Lock()
	defer w.c.wmu.Unlock()

	w.c.writeDeadline()
	n, err := w.c.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, w.c.w.Flush()
}

// Drain discards input until the peer closes or d elapses, so a FAIL
// written just before closing is read by the peer instead of a reset.
func (c *Conn) Drain(d time.Duration) {
	c.conn.SetReadDeadline(time.Now().Add(d))
	io.Copy(io.Discard, c.r)
}

// Initiate runs the initiator side of the handshake: send READY, accept
// any reply line.
func (c *Conn) Initiate() error {
	if err := c.WriteToken(TokenReady); err != nil {
		return errors.Wrap(err, "handshake")
	}
	if _, err := c.ReadLine(); err != nil {
		return errors.Wrap(err, "handshake")
	}
	return nil
}

// Accept runs the responder side of the handshake: read the initiator's
// line and reply READY.
func (c *Conn) Accept() (string, error) {
	line, err := c.ReadLine()
	if err != nil {
		return "", errors.Wrap(err, "handshake")
	}
	if err := c.WriteToken(TokenReady); err != nil {
		return "", errors.Wrap(err, "handshake")
	}
	return line, nil
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
