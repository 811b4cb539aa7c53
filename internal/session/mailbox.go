package session

import "sync"

// Mailbox holds the most recent progress message of a recording. Posting
// never blocks and overwrites whatever the reader has not yet seen.
type Mailbox struct {
	mu     sync.Mutex
	msg    string
	seq    uint64
	notify chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Post replaces the current message.
func (m *Mailbox) Post(msg string) {
	m.mu.Lock()
	m.msg = msg
	m.seq++
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Latest returns the current message and how many messages have been
// posted in total. seq is zero before the first Post.
func (m *Mailbox) Latest() (msg string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.msg, m.seq
}

// Updated is signalled after a Post. Several posts between two receives
// coalesce into one signal.
func (m *Mailbox) Updated() <-chan struct{} {
	return m.notify
}
