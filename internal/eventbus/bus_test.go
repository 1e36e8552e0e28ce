package eventbus

import (
	"strconv"
	"testing"

	"github.com/bobmcallan/dlmgr/internal/logx"
	"github.com/bobmcallan/dlmgr/internal/models"
)

func TestSubscribePublishDelivers(t *testing.T) {
	b := New(logx.NewSilent())
	sub := b.Subscribe("job:1")
	defer b.Unsubscribe(sub)

	b.Publish("job:1", Envelope{Type: models.EventProgress, JobID: "1"})

	select {
	case env := <-sub.C():
		if env.Type != models.EventProgress {
			t.Fatalf("got type %q, want %q", env.Type, models.EventProgress)
		}
	default:
		t.Fatal("expected a buffered event, got none")
	}
}

func TestPublishIsolatesRooms(t *testing.T) {
	b := New(logx.NewSilent())
	subA := b.Subscribe("job:a")
	subB := b.Subscribe("job:b")
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subB)

	b.Publish("job:a", Envelope{Type: models.EventProgress, JobID: "a"})

	select {
	case <-subA.C():
	default:
		t.Fatal("job:a subscriber did not receive its room's event")
	}

	select {
	case <-subB.C():
		t.Fatal("job:b subscriber received an event from another room")
	default:
	}
}

func TestPublishNoSubscribersDoesNotBlock(t *testing.T) {
	b := New(logx.NewSilent())
	b.Publish("job:nobody", Envelope{Type: models.EventProgress, JobID: "nobody"})
}

func TestOverflowDropsOldestNotNewest(t *testing.T) {
	b := New(logx.NewSilent())
	sub := b.Subscribe("job:1")
	defer b.Unsubscribe(sub)

	for i := 0; i < DefaultBufferSize+10; i++ {
		b.Publish("job:1", Envelope{Type: models.EventProgress, JobID: strconv.Itoa(i)})
	}

	if len(sub.C()) != DefaultBufferSize {
		t.Fatalf("buffer len = %d, want %d", len(sub.C()), DefaultBufferSize)
	}

	// Drain what remains; overflow must have evicted older entries rather
	// than the event just sent.
	var count int
	var first, last string
drain:
	for {
		select {
		case env := <-sub.C():
			if count == 0 {
				first = env.JobID
			}
			last = env.JobID
			count++
		default:
			break drain
		}
	}
	if count != DefaultBufferSize {
		t.Fatalf("drained %d events, want %d", count, DefaultBufferSize)
	}
	if first != strconv.Itoa(10) || last != strconv.Itoa(DefaultBufferSize+9) {
		t.Fatalf("drained events %s..%s, want %d..%d (the 10 oldest evicted)", first, last, 10, DefaultBufferSize+9)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(logx.NewSilent())
	sub := b.Subscribe("job:1")
	b.Unsubscribe(sub)

	if _, ok := <-sub.C(); ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}

	if b.RoomSize("job:1") != 0 {
		t.Fatalf("RoomSize = %d, want 0 after unsubscribe", b.RoomSize("job:1"))
	}

	// Unsubscribing twice must not panic.
	b.Unsubscribe(sub)
}
