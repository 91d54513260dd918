package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	fail     bool
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("nats: connection closed")
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subjects)
}

func waitForSubscribers(t *testing.T, b *Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for b.SubscriberCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("bridge did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNATSBridge_ForwardsTaskTopics(t *testing.T) {
	b := New()
	pub := &recordingPublisher{}
	bridge := NewNATSBridge(b, pub, "coordq.", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()
	waitForSubscribers(t, b, 1)

	b.Publish(TopicTaskClaimed, TaskEvent{TaskID: "t1", Room: "r1", Status: "running"})
	b.Publish("worker.heartbeat", "ignored")

	deadline := time.Now().Add(time.Second)
	for pub.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for forwarded event")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.subjects) != 1 || pub.subjects[0] != "coordq.task.claimed" {
		t.Fatalf("subjects = %v", pub.subjects)
	}
	var ev TaskEvent
	if err := json.Unmarshal(pub.payloads[0], &ev); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if ev.TaskID != "t1" || ev.Room != "r1" {
		t.Fatalf("payload = %+v", ev)
	}
}

func TestNATSBridge_PublishFailureDoesNotStop(t *testing.T) {
	b := New()
	pub := &recordingPublisher{fail: true}
	bridge := NewNATSBridge(b, pub, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()
	waitForSubscribers(t, b, 1)

	b.Publish(TopicTaskFailed, TaskEvent{TaskID: "t1"})
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := bridge.Subject(TopicTaskFailed); got != "task.failed" {
		t.Fatalf("subject = %q", got)
	}
}
