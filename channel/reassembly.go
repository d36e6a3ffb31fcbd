package channel

import (
	"fmt"

	"github.com/ruteri/device-agent/interfaces"
)

// DefaultBufferSize bounds a reassembled inbound message.
const DefaultBufferSize = 4096

// Chunk is one fragment of an inbound message as delivered by the transport.
// Offset is the position of Data within a message of Total bytes.
type Chunk struct {
	Topic  string
	Offset int
	Total  int
	Data   []byte
}

// Message is a complete inbound message.
type Message struct {
	Topic   string
	Payload []byte
}

// Reassembler joins chunks of one message at a time into a bounded buffer.
// A chunk at offset 0 starts a new message and drops any unfinished one.
type Reassembler struct {
	capacity int
	buf      []byte
	topic    string
	active   bool
	dropping bool
}

func NewReassembler(capacity int) *Reassembler {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Reassembler{capacity: capacity, buf: make([]byte, 0, capacity)}
}

// Add consumes a chunk and returns the message it completes, if any.
//
// A message that would exceed the buffer yields an error wrapping
// interfaces.ErrResourceExhausted once; its remaining chunks are ignored.
// Chunks that do not continue the message in flight yield a DataError.
func (r *Reassembler) Add(c Chunk) (*Message, error) {
	if c.Offset == 0 {
		r.topic = c.Topic
		r.buf = r.buf[:0]
		r.active = true
		r.dropping = false
	} else if !r.active || (c.Topic != "" && c.Topic != r.topic) {
		return nil, &interfaces.DataError{Reason: fmt.Sprintf("chunk at offset %d does not continue a message", c.Offset)}
	}

	if r.dropping {
		if c.Offset+len(c.Data) >= c.Total {
			r.reset()
		}
		return nil, nil
	}

	if c.Offset != len(r.buf) {
		r.reset()
		return nil, &interfaces.DataError{Reason: fmt.Sprintf("chunk at offset %d, expected %d", c.Offset, len(r.buf))}
	}

	if c.Total > r.capacity || len(r.buf)+len(c.Data) > r.capacity {
		r.buf = r.buf[:0]
		if c.Offset+len(c.Data) >= c.Total {
			r.reset()
		} else {
			r.dropping = true
		}
		return nil, fmt.Errorf("%w: message on %s of %d bytes exceeds %d byte buffer", interfaces.ErrResourceExhausted, c.Topic, c.Total, r.capacity)
	}

	r.buf = append(r.buf, c.Data...)

	if c.Offset+len(c.Data) != c.Total {
		return nil, nil
	}

	msg := &Message{Topic: r.topic, Payload: append([]byte(nil), r.buf...)}
	r.reset()
	return msg, nil
}

func (r *Reassembler) reset() {
	r.buf = r.buf[:0]
	r.topic = ""
	r.active = false
	r.dropping = false
}
