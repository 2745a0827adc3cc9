package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/treykane/sshgate/internal/model"
)

func TestJournalAppendReadAndFilters(t *testing.T) {
	j := NewJournal(filepath.Join(t.TempDir(), "events.jsonl"))

	base := time.Now().Add(-2 * time.Hour).UTC()
	seed := []Record{
		{Timestamp: base, TunnelID: "a", HostAlias: "api", EventType: "tunnel_active"},
		{Timestamp: base.Add(10 * time.Minute), TunnelID: "a", HostAlias: "api", EventType: "tunnel_stopped"},
		{Timestamp: base.Add(20 * time.Minute), TunnelID: "b", HostAlias: "db", EventType: "tunnel_disconnected"},
	}
	for _, rec := range seed {
		if err := j.Append(rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := j.Read(Query{})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}

	hostOnly, err := j.Read(Query{HostAlias: "api"})
	if err != nil {
		t.Fatalf("read host: %v", err)
	}
	if len(hostOnly) != 2 {
		t.Fatalf("expected 2 api records, got %d", len(hostOnly))
	}

	limited, err := j.Read(Query{Limit: 1})
	if err != nil {
		t.Fatalf("read limit: %v", err)
	}
	if len(limited) != 1 || limited[0].TunnelID != "b" {
		t.Fatalf("unexpected limited result: %+v", limited)
	}

	since, err := j.Read(Query{Since: base.Add(15 * time.Minute)})
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(since) != 1 || since[0].TunnelID != "b" {
		t.Fatalf("unexpected since result: %+v", since)
	}
}

func TestJournalReadMissingFile(t *testing.T) {
	j := NewJournal(filepath.Join(t.TempDir(), "none.jsonl"))
	recs, err := j.Read(Query{})
	if err != nil || recs != nil {
		t.Fatalf("expected empty read, got %v (%v)", recs, err)
	}
}

func TestJournalRunPersistsTransitions(t *testing.T) {
	j := NewJournal(filepath.Join(t.TempDir(), "events.jsonl"))
	b := NewBus(8)
	sub := b.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx, sub)
		close(done)
	}()

	b.Publish(TopicTunnelsChanged, model.ActiveTunnelInfo{ID: "t1", Alias: "web", Status: model.TunnelActive})
	b.Publish(TopicLog, LogLine{Message: "ignored"})
	b.Publish(TopicTerminalStatus, TerminalStatus{SessionID: "s1", Alias: "local", Status: "closed"})

	deadline := time.Now().Add(2 * time.Second)
	var recs []Record
	for time.Now().Before(deadline) {
		recs, _ = j.Read(Query{})
		if len(recs) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	sub.Close()

	if len(recs) != 2 {
		t.Fatalf("expected 2 journaled records, got %+v", recs)
	}
	if recs[0].EventType != "tunnel_active" || recs[1].EventType != "terminal_closed" {
		t.Fatalf("unexpected records %+v", recs)
	}
}
