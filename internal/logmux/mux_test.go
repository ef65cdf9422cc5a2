package logmux

import (
	"testing"
	"time"

	"github.com/example/devstack/internal/engine"
)

func TestMuxFansInMultipleSources(t *testing.T) {
	mux := New(4)
	src1 := make(chan engine.Event)
	src2 := make(chan engine.Event)

	mux.Add(src1)
	mux.Add(src2)

	go func() {
		src1 <- engine.Event{Service: "api", Type: engine.EventTypeLog, Message: "api ready"}
		src1 <- engine.Event{Service: "api", Type: engine.EventTypeLog, Message: "api ok"}
		close(src1)
	}()

	go func() {
		src2 <- engine.Event{Service: "db", Type: engine.EventTypeLog, Message: "db ready"}
		close(src2)
	}()

	go mux.Close()

	counts := map[string]int{}
	total := 0
	for evt := range mux.Output() {
		counts[evt.Service]++
		total++
	}

	if total != 3 {
		t.Fatalf("expected 3 events, got %d", total)
	}
	if counts["api"] != 2 || counts["db"] != 1 {
		t.Fatalf("unexpected service distribution: %v", counts)
	}
}

func TestMuxEmitsDropMetaEvents(t *testing.T) {
	mux := New(1)
	src := make(chan engine.Event)

	mux.Add(src)

	done := make(chan struct{})
	go func() {
		src <- engine.Event{Service: "api", Type: engine.EventTypeLog, Message: "line-1", Level: "info"}
		src <- engine.Event{Service: "api", Type: engine.EventTypeLog, Message: "line-2", Level: "info"}
		src <- engine.Event{Service: "api", Type: engine.EventTypeLog, Message: "line-3", Level: "info"}
		close(src)
		close(done)
	}()

	<-done

	go mux.Close()

	var events []engine.Event
	for evt := range mux.Output() {
		events = append(events, evt)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events (1 log + 1 meta), got %d", len(events))
	}

	if events[0].Message != "line-1" {
		t.Fatalf("expected first event to be the original log, got %q", events[0].Message)
	}

	meta := events[1]
	if meta.Service != "api" {
		t.Fatalf("meta event service mismatch: got %s", meta.Service)
	}
	if meta.Message != "dropped=2" {
		t.Fatalf("expected drop metadata, got %q", meta.Message)
	}
	if meta.Source != "system" {
		t.Fatalf("expected meta source to be system, got %s", meta.Source)
	}
	if meta.Level != "warn" {
		t.Fatalf("expected meta level warn, got %s", meta.Level)
	}
	if time.Since(meta.Timestamp) > time.Second {
		t.Fatalf("expected recent timestamp, got %v", meta.Timestamp)
	}
}

func TestMuxIgnoresNonLogEvents(t *testing.T) {
	mux := New(4)
	src := make(chan engine.Event)
	mux.Add(src)

	go func() {
		src <- engine.Event{Service: "api", Type: engine.EventTypeRunning, Message: "service running"}
		src <- engine.Event{Service: "api", Type: engine.EventTypeLog, Message: "listening"}
		close(src)
	}()

	go mux.Close()

	var events []engine.Event
	for evt := range mux.Output() {
		events = append(events, evt)
	}

	if len(events) != 1 {
		t.Fatalf("expected only log events, got %d", len(events))
	}
	if events[0].Message != "listening" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}
