package eventlog

import "sync"

// Subscriber receives published entries.
type Subscriber func(Entry)

// Bus fans recorded entries out to in-process subscribers.
// Delivery is asynchronous via buffered channels; when a subscriber's buffer is full the
// entry is dropped for that subscriber so the recording path never blocks.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Entry
	bufferSize  int
	wg          sync.WaitGroup
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe registers fn and returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Entry, b.bufferSize)
	b.subscribers = append(b.subscribers, ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(e)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subscribers {
			if sub == ch {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

func (b *Bus) Publish(e Entry) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes every subscription and waits for in-flight deliveries to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
	b.mu.Unlock()
	b.wg.Wait()
}
