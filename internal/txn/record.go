package txn

import (
	"fmt"
	"time"
)

// Header is one ordered record header. Names may repeat.
type Header struct {
	Name  string
	Value []byte
}

// Record is what the bridge produces to the destination topic. A nil Key means
// the record has no key.
type Record struct {
	Key     []byte
	Payload []byte
	Headers []Header
}

// NewRecord copies its arguments so the caller can reuse its buffers.
func NewRecord(key, payload []byte, headers []Header) Record {
	r := Record{Payload: clone(payload)}
	if key != nil {
		r.Key = clone(key)
	}
	if len(headers) > 0 {
		r.Headers = make([]Header, len(headers))
		for i, h := range headers {
			r.Headers[i] = Header{Name: h.Name, Value: clone(h.Value)}
		}
	}
	return r
}

// Header returns the value of the last header called name.
func (r Record) Header(name string) ([]byte, bool) {
	for i := len(r.Headers) - 1; i >= 0; i-- {
		if r.Headers[i].Name == name {
			return r.Headers[i].Value, true
		}
	}
	return nil, false
}

// WithHeader returns a copy of r with name set to value, replacing earlier
// headers of the same name.
func (r Record) WithHeader(name string, value []byte) Record {
	out := Record{Key: r.Key, Payload: r.Payload}
	out.Headers = make([]Header, 0, len(r.Headers)+1)
	for _, h := range r.Headers {
		if h.Name != name {
			out.Headers = append(out.Headers, h)
		}
	}
	out.Headers = append(out.Headers, Header{Name: name, Value: clone(value)})
	return out
}

// Message is a record read from the source together with its coordinates and
// the membership token of the session that delivered it.
type Message struct {
	Record
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Token     GroupToken
}

func (m Message) String() string {
	return fmt.Sprintf("%s[%d]@%d", m.Topic, m.Partition, m.Offset)
}

// TopicPartition identifies one partition of one topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// PartitionOffset is the next offset to read for a partition.
type PartitionOffset struct {
	Topic     string
	Partition int32
	Offset    int64
}

// GroupToken identifies the consumer group generation a batch was read under.
// Two tokens are equal only if they come from the same session.
type GroupToken struct {
	GroupID      string
	MemberID     string
	GenerationID int32
	Epoch        uint64
}

func (t GroupToken) IsZero() bool { return t == GroupToken{} }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
