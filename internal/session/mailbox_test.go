package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMailbox_KeepsLatest(t *testing.T) {
	mb := NewMailbox()

	msg, seq := mb.Latest()
	assert.Empty(t, msg)
	assert.Zero(t, seq)

	mb.Post("a")
	mb.Post("b")
	mb.Post("c")

	msg, seq = mb.Latest()
	assert.Equal(t, "c", msg)
	assert.Equal(t, uint64(3), seq)
}

func TestMailbox_NotificationsCoalesce(t *testing.T) {
	mb := NewMailbox()
	mb.Post("a")
	mb.Post("b")

	<-mb.Updated()
	select {
	case <-mb.Updated():
		t.Fatal("second notification for coalesced posts")
	default:
	}
}

func TestMailbox_ConcurrentPosts(t *testing.T) {
	mb := NewMailbox()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				mb.Post("tick")
			}
		}()
	}
	wg.Wait()

	msg, seq := mb.Latest()
	assert.Equal(t, "tick", msg)
	assert.Equal(t, uint64(800), seq)
}
