// Package wire implements the length-prefixed, JSON-encoded message
// channel (the "Message Framer", component C3) that carries the exec
// protocol between a coordinator and a connected worker.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/baserock/distbuild"
)

// Message is one decoded frame: a type discriminator plus its raw JSON
// payload, which the caller decodes into a concrete struct (ExecRequest,
// ExecOutput, ...) once it knows the type.
type Message struct {
	Type    string
	Payload json.RawMessage
}

// Decode unmarshals the message's payload into v.
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// NewMessage is emitted to the event loop for every successfully decoded
// frame read from the connection.
type NewMessage struct {
	Msg Message
}

// Eof is emitted on clean close, abrupt disconnect, or a frame that fails
// to decode; all three are treated identically, as a disconnect.
type Eof struct{}

type wireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Conn wraps a bidirectional byte stream (typically a net.Conn) and turns
// it into the NewMessage/Eof event pair described above. It is safe for
// one goroutine to call Send while StartReading's goroutine is reading.
type Conn struct {
	rw     io.ReadWriteCloser
	r      *bufio.Reader
	w      *bufio.Writer
	logger *logrus.Entry

	mu    sync.Mutex
	loop  *distbuild.EventLoop
	owner interface{}
}

// NewConn wraps rw. Call StartReading once the owning state machine is
// ready to receive events.
func NewConn(rw io.ReadWriteCloser, logger *logrus.Entry) *Conn {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Conn{
		rw:     rw,
		r:      bufio.NewReader(rw),
		w:      bufio.NewWriter(rw),
		logger: logger,
	}
}

// StartReading launches a goroutine that decodes frames from the
// connection and queues NewMessage/Eof events onto loop, tagged with
// owner as their source (in practice the Worker Session that owns this
// connection), so that only it reacts.
func (c *Conn) StartReading(loop *distbuild.EventLoop, owner interface{}) {
	c.mu.Lock()
	c.loop = loop
	c.owner = owner
	c.mu.Unlock()

	go func() {
		for {
			msg, err := c.readFrame()
			if err != nil {
				c.logger.WithError(err).Debug("wire: connection closed")
				loop.QueueEvent(owner, Eof{})
				return
			}
			loop.QueueEvent(owner, NewMessage{Msg: msg})
		}
	}()
}

func (c *Conn) readFrame() (Message, error) {
	var size uint32
	if err := binary.Read(c.r, binary.BigEndian, &size); err != nil {
		return Message{}, err
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return Message{}, err
	}

	var env wireEnvelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Message{}, xerrors.Errorf("wire: decode frame: %w", err)
	}
	return Message{Type: env.Type, Payload: env.Payload}, nil
}

// Send serialises v as a frame of the given type and writes it to the
// peer. A write failure is surfaced as an Eof event to the same owner
// StartReading was given, matching the framer's documented failure mode.
func (c *Conn) Send(msgType string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return xerrors.Errorf("wire: marshal %s payload: %w", msgType, err)
	}
	frame, err := json.Marshal(wireEnvelope{Type: msgType, Payload: payload})
	if err != nil {
		return xerrors.Errorf("wire: marshal %s envelope: %w", msgType, err)
	}

	if err := c.writeFrame(frame); err != nil {
		c.mu.Lock()
		loop, owner := c.loop, c.owner
		c.mu.Unlock()
		if loop != nil {
			loop.QueueEvent(owner, Eof{})
		}
		return xerrors.Errorf("wire: send %s: %w", msgType, err)
	}
	return nil
}

func (c *Conn) writeFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := binary.Write(c.w, binary.BigEndian, uint32(len(frame))); err != nil {
		return err
	}
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	return c.w.Flush()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.rw.Close()
}
