package network

import "sync/atomic"

// Stats is a snapshot of bridge counters.
type Stats struct {
	FramesIn    uint64 `json:"frames_in"`
	FramesOut   uint64 `json:"frames_out"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	Dropped     uint64 `json:"dropped"`
	WriteErrors uint64 `json:"write_errors"`
}

type stats struct {
	framesIn    atomic.Uint64
	framesOut   atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	dropped     atomic.Uint64
	writeErrors atomic.Uint64
}

// Stats returns the current counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		FramesIn:    b.stats.framesIn.Load(),
		FramesOut:   b.stats.framesOut.Load(),
		BytesIn:     b.stats.bytesIn.Load(),
		BytesOut:    b.stats.bytesOut.Load(),
		Dropped:     b.stats.dropped.Load(),
		WriteErrors: b.stats.writeErrors.Load(),
	}
}
