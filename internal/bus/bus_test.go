package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Ch():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

// drain returns everything buffered on sub without waiting.
func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.Ch():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBus_DeliversTaskEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTaskPrefix)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskClaimed, TaskEvent{TaskID: "t1", Room: "r1", Lane: "queued", WorkerID: "w1"})

	ev := recv(t, sub)
	if ev.Topic != TopicTaskClaimed {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicTaskClaimed)
	}
	payload, ok := ev.Payload.(TaskEvent)
	if !ok || payload.TaskID != "t1" || payload.WorkerID != "w1" {
		t.Fatalf("unexpected payload %#v", ev.Payload)
	}
}

func TestBus_PrefixFiltering(t *testing.T) {
	b := New()
	terminal := b.Subscribe("task.c") // completed, canceled and claimed
	all := b.Subscribe("")
	defer b.Unsubscribe(terminal)
	defer b.Unsubscribe(all)

	topics := []string{TopicTaskEnqueued, TopicTaskCompleted, TopicTaskFailed, TopicTaskCanceled, "worker.heartbeat"}
	for _, topic := range topics {
		b.Publish(topic, TaskEvent{TaskID: "t1"})
	}

	got := drain(terminal)
	if len(got) != 2 || got[0].Topic != TopicTaskCompleted || got[1].Topic != TopicTaskCanceled {
		t.Fatalf("terminal subscriber got %+v", got)
	}
	if n := len(drain(all)); n != len(topics) {
		t.Fatalf("catch-all subscriber got %d events, want %d", n, len(topics))
	}
}

func TestBus_FullBufferDropsAndCounts(t *testing.T) {
	b := New()
	slow := b.Subscribe(TopicTaskPrefix)
	defer b.Unsubscribe(slow)

	const extra = 7
	for i := 0; i < defaultBufferSize+extra; i++ {
		b.Publish(TopicTaskEnqueued, TaskEvent{Attempt: i})
	}

	got := drain(slow)
	if len(got) != defaultBufferSize {
		t.Fatalf("received %d events, want buffer size %d", len(got), defaultBufferSize)
	}
	if first := got[0].Payload.(TaskEvent); first.Attempt != 0 {
		t.Fatalf("oldest events should be kept, first attempt = %d", first.Attempt)
	}
	if b.Dropped() != extra {
		t.Fatalf("dropped = %d, want %d", b.Dropped(), extra)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	a := b.Subscribe(TopicTaskPrefix)
	c := b.Subscribe(TopicTaskPrefix)
	if b.SubscriberCount() != 2 {
		t.Fatalf("count = %d, want 2", b.SubscriberCount())
	}

	b.Unsubscribe(a)
	b.Unsubscribe(a)
	b.Unsubscribe(nil)
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	if _, ok := <-a.Ch(); ok {
		t.Fatal("expected closed channel")
	}

	b.Publish(TopicTaskFailed, TaskEvent{TaskID: "t2"})
	if ev := recv(t, c); ev.Topic != TopicTaskFailed {
		t.Fatalf("remaining subscriber got %q", ev.Topic)
	}
	b.Unsubscribe(c)
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const workers = 10
	const perWorker = 5

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				b.Publish(TopicTaskCompleted, TaskEvent{Attempt: id*100 + i})
			}
		}(w)
	}
	wg.Wait()

	if n := len(drain(sub)); n != workers*perWorker {
		t.Fatalf("received %d events, want %d", n, workers*perWorker)
	}
	if b.Dropped() != 0 {
		t.Fatalf("unexpected drops: %d", b.Dropped())
	}
}

func TestBus_NilIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicTaskEnqueued, TaskEvent{TaskID: "t1"})
	if b.SubscriberCount() != 0 || b.Dropped() != 0 {
		t.Fatal("nil bus should report zero")
	}
}
