package engine

import "sync"

// streamBufferLines is how many log lines a subscriber may lag before Publish
// starts dropping lines for it.
const streamBufferLines = 64

// LogBroker fans a task's orchestration log lines out to any number of live
// subscribers, keyed by task ID. Providers publish through their sink; the
// SSE handler subscribes. Safe for concurrent use.
type LogBroker struct {
	mu      sync.Mutex
	streams map[string]*taskStream
}

// taskStream is the fan-out state for one task. A stream that has ended stays
// in the map as a closed marker; the memory cost per finished task is a map
// entry.
type taskStream struct {
	listeners map[int]chan string
	nextID    int
	closed    bool
}

func NewLogBroker() *LogBroker {
	return &LogBroker{streams: make(map[string]*taskStream)}
}

// Subscribe returns a channel of log lines for the task plus an unsubscribe
// function. Subscribing to a task that already ended yields a channel that is
// closed from the start, so callers never block on a finished task.
func (b *LogBroker) Subscribe(taskID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[taskID]
	if !ok {
		st = &taskStream{listeners: make(map[int]chan string)}
		b.streams[taskID] = st
	}

	ch := make(chan string, streamBufferLines)
	if st.closed {
		close(ch)
		return ch, func() {}
	}

	id := st.nextID
	st.nextID++
	st.listeners[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(st.listeners, id)
	}
}

// Publish delivers one line to every current subscriber of the task. A
// subscriber whose buffer is full misses the line; the publishing attempt
// never blocks on a slow reader.
func (b *LogBroker) Publish(taskID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[taskID]
	if !ok || st.closed {
		return
	}

	for _, ch := range st.listeners {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close ends the task's stream: every subscriber channel is closed, and the
// stream is left behind as a closed marker so a Subscribe arriving after the
// task finished sees end-of-stream instead of waiting forever.
func (b *LogBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[taskID]
	if !ok {
		b.streams[taskID] = &taskStream{listeners: make(map[int]chan string), closed: true}
		return
	}

	st.closed = true
	for id, ch := range st.listeners {
		close(ch)
		delete(st.listeners, id)
	}
}
