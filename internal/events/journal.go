package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/model"
)

// Record is one lifecycle entry persisted to events.jsonl.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	TunnelID  string    `json:"tunnel_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	HostAlias string    `json:"host_alias,omitempty"`
	EventType string    `json:"event_type"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Query controls record filtering and bounded reads.
type Query struct {
	HostAlias string
	TunnelID  string
	EventType string
	Since     time.Time
	Limit     int
}

// Journal provides append/read access to the local event journal.
type Journal struct {
	mu   sync.Mutex
	path string
}

func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// DefaultJournalPath is events.jsonl in the config directory.
func DefaultJournalPath() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "events.jsonl"), nil
}

// Append writes a single record as one JSON line.
func (j *Journal) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(j.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

// Read returns records in append order, filtered by query, keeping the last
// Limit matches when Limit is set.
func (j *Journal) Read(q Query) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if !matches(rec, q) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

// Run appends lifecycle events from sub until ctx is done or sub is closed.
func (j *Journal) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			rec, keep := RecordFor(evt)
			if !keep {
				continue
			}
			if err := j.Append(rec); err != nil {
				slog.Warn("failed to persist event", "topic", evt.Topic, "error", err)
			}
		}
	}
}

// RecordFor maps a bus event to a journal record. Only tunnel and terminal
// transitions are journaled.
func RecordFor(evt Event) (Record, bool) {
	switch data := evt.Data.(type) {
	case model.ActiveTunnelInfo:
		return Record{
			Timestamp: evt.Time,
			TunnelID:  data.ID,
			HostAlias: data.Alias,
			EventType: "tunnel_" + string(data.Status),
			Status:    string(data.Status),
			Message:   data.StatusMsg,
		}, true
	case TerminalStatus:
		return Record{
			Timestamp: evt.Time,
			SessionID: data.SessionID,
			HostAlias: data.Alias,
			EventType: "terminal_" + data.Status,
			Status:    data.Status,
			Message:   data.Message,
		}, true
	}
	return Record{}, false
}

func matches(rec Record, q Query) bool {
	if strings.TrimSpace(q.HostAlias) != "" && rec.HostAlias != q.HostAlias {
		return false
	}
	if strings.TrimSpace(q.TunnelID) != "" && rec.TunnelID != q.TunnelID {
		return false
	}
	if strings.TrimSpace(q.EventType) != "" && rec.EventType != q.EventType {
		return false
	}
	if !q.Since.IsZero() && rec.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
