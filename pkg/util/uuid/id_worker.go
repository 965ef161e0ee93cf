package uuid

import (
	"fmt"
	"math/rand"
	"net"

	gxnet "github.com/dubbogo/gost/net"
	"go.uber.org/atomic"

	time2 "github.com/opentrx/lock-coordinator/pkg/util/time"
)

const (
	// Start time cut (2020-05-03)
	epoch uint64 = 1588435200000

	// The number of bits occupied by workerID
	workerIDBits = 10

	// The number of bits occupied by timestamp
	timestampBits = 41

	// The number of bits occupied by sequence
	sequenceBits = 12

	// Maximum supported machine id, the result is 1023
	maxWorkerID = -1 ^ (-1 << workerIDBits)

	// mask that help to extract timestamp and sequence from a long
	timestampAndSequenceMask uint64 = -1 ^ (-1 << (timestampBits + sequenceBits))
)

// IDWorker hands out snowflake style ids: the worker id in the high bits, a
// millisecond timestamp taken at construction in the middle and a sequence
// in the low 12 bits. The timestamp part only moves forward when the
// sequence overflows, so ids stay unique within one worker even when more
// than 4096 ids are requested in a millisecond.
type IDWorker struct {
	workerID             uint64
	timestampAndSequence *atomic.Uint64
}

// NewIDWorker returns a worker for the given node id (0 ~ 1023). A negative
// id derives one from the local IP address.
func NewIDWorker(serverNode int64) (*IDWorker, error) {
	if serverNode < 0 {
		serverNode = generateWorkerID()
	}
	if serverNode > maxWorkerID {
		return nil, fmt.Errorf("worker id can't be greater than %d or less than 0", maxWorkerID)
	}
	timestamp := time2.CurrentTimeMillis() - epoch
	return &IDWorker{
		workerID:             uint64(serverNode) << (timestampBits + sequenceBits),
		timestampAndSequence: atomic.NewUint64(timestamp << sequenceBits),
	}, nil
}

// NextID returns the next id of this worker.
func (w *IDWorker) NextID() int64 {
	next := w.timestampAndSequence.Inc()
	timestampWithSequence := next & timestampAndSequenceMask
	return int64(w.workerID | timestampWithSequence)
}

// WorkerID returns the node id this worker was built with.
func (w *IDWorker) WorkerID() int64 {
	return int64(w.workerID >> (timestampBits + sequenceBits))
}

// use lowest 10 bit of the local ip as workerID, random if no ip is found
func generateWorkerID() int64 {
	ip, err := gxnet.GetLocalIP()
	if err != nil {
		return rand.Int63n(maxWorkerID + 1)
	}
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return rand.Int63n(maxWorkerID + 1)
	}
	return int64(parsed[2]&0b11)<<8 | int64(parsed[3])
}
