package queue

import (
	"hash/fnv"
	"sync/atomic"
)

// Partitioner picks the partition a message is written to. Keyed messages
// always land on the same partition; unkeyed ones rotate.
type Partitioner struct {
	next atomic.Uint64
}

func (p *Partitioner) Partition(key []byte, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	if len(key) > 0 {
		h := fnv.New32a()
		_, _ = h.Write(key)
		return int(h.Sum32() % uint32(partitions))
	}
	return int((p.next.Add(1) - 1) % uint64(partitions))
}
