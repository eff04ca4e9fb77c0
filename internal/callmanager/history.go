package callmanager

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// HistoryLog is the durable append-only JSON-lines call log (§6 "Persistent
// call log"): one record per terminal call, written with O_APPEND so
// concurrent readers never observe a torn write, and read back tolerating a
// truncated trailing line (e.g. from a crash mid-write).
type HistoryLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// historyRecord is the JSON shape written per terminal call.
type historyRecord struct {
	CallID     string            `json:"callId"`
	ProviderID string            `json:"providerCallId"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	Direction  string            `json:"direction"`
	State      State             `json:"state"`
	EndReason  string            `json:"endReason"`
	StartedAt  time.Time         `json:"startedAt"`
	EndedAt    time.Time         `json:"endedAt"`
	SessionKey string            `json:"sessionKey,omitempty"`
	Transcript []TranscriptEntry `json:"transcript"`
}

// OpenHistoryLog opens (creating if needed) the history file at path for append.
func OpenHistoryLog(path string) (*HistoryLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("callmanager: create history log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("callmanager: open history log: %w", err)
	}
	return &HistoryLog{path: path, file: f}, nil
}

// Append writes one terminal record as a single JSON line.
func (h *HistoryLog) Append(r Record) error {
	rec := historyRecord{
		CallID:     r.CallID,
		ProviderID: r.ProviderCallID,
		From:       r.From,
		To:         r.To,
		Direction:  r.Direction,
		State:      r.State,
		EndReason:  r.EndReason,
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
		SessionKey: r.Metadata.SessionKey,
		Transcript: r.Transcript,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("callmanager: marshal history record: %w", err)
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.file.Write(line)
	return err
}

// Close closes the underlying file.
func (h *HistoryLog) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

// ReadAll reads every complete JSON line in the log, silently skipping a
// truncated (non-JSON) trailing line left by a crash mid-write.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("callmanager: open history log for read: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec historyRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // truncated or corrupt trailing line: skip, don't fail
		}
		out = append(out, Record{
			CallID:         rec.CallID,
			ProviderCallID: rec.ProviderID,
			From:           rec.From,
			To:             rec.To,
			Direction:      rec.Direction,
			State:          rec.State,
			EndReason:      rec.EndReason,
			StartedAt:      rec.StartedAt,
			EndedAt:        rec.EndedAt,
			Metadata:       Metadata{SessionKey: rec.SessionKey},
			Transcript:     rec.Transcript,
		})
	}
	return out, nil
}
