package broker

// window is a rolling set of the last N delivered message IDs.
//
// low is the highest store sequence evicted from the window; entries at or
// below it are treated as already handled, so a lane or log entry older
// than the window is not redelivered after its ID has been evicted.
//
// Local fast-path entries enter with seq 0 and learn their sequence later
// through sequence. An entry evicted before that is parked in unseq until
// its sequence arrives.
type window struct {
	size  int
	ids   map[string]int // id -> ring slot
	ring  []seen
	head  int
	low   int64
	dirty bool // low changed since last persisted
	unseq map[string]struct{}
}

type seen struct {
	id  string
	seq int64
}

func newWindow(size int) *window {
	return &window{
		size:  size,
		ids:   make(map[string]int, size),
		ring:  make([]seen, 0, size),
		unseq: make(map[string]struct{}),
	}
}

func (w *window) has(id string) bool {
	if _, ok := w.ids[id]; ok {
		return true
	}
	_, ok := w.unseq[id]
	return ok
}

// handled reports whether an entry should be skipped.
func (w *window) handled(id string, seq int64) bool {
	if seq > 0 && seq <= w.low {
		return true
	}
	return w.has(id)
}

func (w *window) add(id string, seq int64) {
	if w.has(id) {
		w.sequence(id, seq)
		return
	}
	if len(w.ring) < w.size {
		w.ids[id] = len(w.ring)
		w.ring = append(w.ring, seen{id: id, seq: seq})
		return
	}
	old := w.ring[w.head]
	delete(w.ids, old.id)
	if old.seq > 0 {
		w.lift(old.seq)
	} else {
		if len(w.unseq) >= w.size {
			// 发布失败的消息永远拿不到序号，整体丢弃避免无界增长
			clear(w.unseq)
		}
		w.unseq[old.id] = struct{}{}
	}
	w.ids[id] = w.head
	w.ring[w.head] = seen{id: id, seq: seq}
	w.head = (w.head + 1) % w.size
}

// sequence attaches the store sequence to an entry recorded without one.
func (w *window) sequence(id string, seq int64) {
	if seq <= 0 {
		return
	}
	if i, ok := w.ids[id]; ok {
		if w.ring[i].seq == 0 {
			w.ring[i].seq = seq
		}
		return
	}
	if _, ok := w.unseq[id]; ok {
		delete(w.unseq, id)
		w.lift(seq)
	}
}

func (w *window) lift(seq int64) {
	if seq > w.low {
		w.low = seq
		w.dirty = true
	}
}

// raise lifts low to at least seq without marking it for persistence.
func (w *window) raise(seq int64) {
	if seq > w.low {
		w.low = seq
	}
}

func (w *window) len() int { return len(w.ring) }
