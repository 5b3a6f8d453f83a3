package mq

import (
	"context"
	"testing"
	"time"
)

func TestQueue_PushPop(t *testing.T) {
	q := New(4)
	q.Push(Envelope{Topic: "gui-cmd", Payload: []byte("a")})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if env.Topic != "gui-cmd" || string(env.Payload) != "a" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestQueue_PopCancelled(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Pop(ctx); err == nil {
		t.Fatalf("expected error on cancelled context")
	}
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := New(1)
	q.Push(Envelope{Topic: "t1"})
	q.Push(Envelope{Topic: "t2"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if env.Topic != "t2" {
		t.Fatalf("expected newest envelope t2, got %s", env.Topic)
	}
}
