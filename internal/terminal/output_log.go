package terminal

import (
	"sync"
)

// Log is the sequenced output record for one terminal. Every appended chunk
// is assigned a contiguous range of sequence numbers sized to the chunk, and
// only a bounded byte budget of history is retained. Evicted history is
// reported as an explicit gap instead of being silently skipped.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	headSeq  int64
	oldest   int64
	retained int
	maxBytes int
}

// Entry is one appended chunk covering the inclusive range [SeqStart, SeqEnd].
type Entry struct {
	SeqStart int64
	SeqEnd   int64
	Data     []byte
}

// Range identifies the sequence span assigned to a single append.
type Range struct {
	SeqStart int64
	SeqEnd   int64
}

// Gap describes a range of sequence numbers that cannot be replayed.
type Gap struct {
	FromSeq int64
	ToSeq   int64
	Reason  GapReason
}

// GapReason mirrors protocol.GapReason without importing the wire package.
type GapReason string

const (
	GapReplayWindowExceeded GapReason = "replay_window_exceeded"
	GapQueueOverflow        GapReason = "queue_overflow"
)

// Plan is the answer to "what changed after sinceSeq": an optional gap for
// evicted history, then the retained entries. ReplayFrom > ReplayTo means the
// requester is already current.
type Plan struct {
	HeadSeq    int64
	ReplayFrom int64
	ReplayTo   int64
	Gap        *Gap
	Entries    []Entry
}

func NewLog(maxBytes int) *Log {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Log{
		oldest:   1,
		maxBytes: maxBytes,
	}
}

// Append assigns the next contiguous sequence range to data, retaining the
// entry and evicting the oldest entries once the byte budget is exceeded.
// The caller keeps ownership of data; the log stores its own copy.
func (l *Log) Append(data []byte) Range {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(data) == 0 {
		return Range{SeqStart: l.headSeq + 1, SeqEnd: l.headSeq}
	}

	entry := Entry{
		SeqStart: l.headSeq + 1,
		SeqEnd:   l.headSeq + int64(len(data)),
		Data:     append([]byte(nil), data...),
	}
	l.headSeq = entry.SeqEnd
	l.entries = append(l.entries, entry)
	l.retained += len(entry.Data)
	l.evictLocked()

	return Range{SeqStart: entry.SeqStart, SeqEnd: entry.SeqEnd}
}

func (l *Log) evictLocked() {
	// The newest entry is always servable, even when a single chunk blows
	// the whole budget; it falls out on the next append.
	for l.retained > l.maxBytes && len(l.entries) > 1 {
		l.retained -= len(l.entries[0].Data)
		l.entries = l.entries[1:]
		l.oldest = l.entries[0].SeqStart
	}
}

// Read computes the replay plan for a consumer that has applied everything up
// to and including sinceSeq.
func (l *Log) Read(sinceSeq int64) Plan {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if sinceSeq < 0 {
		sinceSeq = 0
	}

	if sinceSeq >= l.headSeq {
		// Already current: from > to signals nothing to replay.
		return Plan{HeadSeq: l.headSeq, ReplayFrom: l.headSeq + 1, ReplayTo: l.headSeq}
	}

	plan := Plan{HeadSeq: l.headSeq, ReplayFrom: sinceSeq + 1, ReplayTo: l.headSeq}
	replayStart := sinceSeq + 1

	if replayStart < l.oldest {
		plan.Gap = &Gap{FromSeq: replayStart, ToSeq: l.oldest - 1, Reason: GapReplayWindowExceeded}
		replayStart = l.oldest
	}

	for _, entry := range l.entries {
		if entry.SeqEnd < replayStart {
			continue
		}
		if entry.SeqStart >= replayStart {
			plan.Entries = append(plan.Entries, entry)
			continue
		}
		// Partial overlap at the front: trim so the delivered frames cover
		// exactly [replayStart, headSeq].
		offset := replayStart - entry.SeqStart
		plan.Entries = append(plan.Entries, Entry{
			SeqStart: replayStart,
			SeqEnd:   entry.SeqEnd,
			Data:     entry.Data[offset:],
		})
	}
	return plan
}

// HeadSeq returns the last assigned sequence number.
func (l *Log) HeadSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headSeq
}

// OldestAvailableSeq returns the lower bound of retained history.
func (l *Log) OldestAvailableSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.oldest
}

// RetainedBytes reports the current size of the retained window.
func (l *Log) RetainedBytes() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.retained
}
