package transform

import (
	"strconv"

	"github.com/google/uuid"

	"txbridge/internal/txn"
)

const CorrelationHeader = "x-correlation-id"

// CorrelationID is a name-based UUID of the source coordinates, so a record
// re-read after an abort gets the same id.
func CorrelationID(topic string, partition int32, offset int64) string {
	name := topic + "/" + strconv.FormatInt(int64(partition), 10) + "/" + strconv.FormatInt(offset, 10)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Correlate returns the record of msg carrying a correlation header. An id
// already present upstream is kept.
func Correlate(msg txn.Message) txn.Record {
	if _, ok := msg.Header(CorrelationHeader); ok {
		return msg.Record
	}
	id := CorrelationID(msg.Topic, msg.Partition, msg.Offset)
	return msg.WithHeader(CorrelationHeader, []byte(id))
}
