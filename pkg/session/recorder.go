// Package session persists per-session transcripts as append-only JSONL
// files, one file per execution session. The transcripts complement the
// step-log table: they carry the full model items rather than the condensed
// instructions, which makes post-hoc replay and prompt debugging possible.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sanjeevm-dev/cua-browser/pkg/protocol"
)

// TranscriptEntry is one recorded line in a session transcript
type TranscriptEntry struct {
	Step      int           `json:"step"`
	Item      protocol.Item `json:"item"`
	Timestamp time.Time     `json:"timestamp"`
}

// Recorder appends transcript entries to per-session JSONL files
type Recorder struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
	logger     zerolog.Logger
}

// NewRecorder creates a recorder rooted at dir
func NewRecorder(dir string, logger zerolog.Logger) (*Recorder, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".cua-browser", "transcripts")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	return &Recorder{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
		logger:     logger,
	}, nil
}

// Append writes the items of one step to the session's transcript
func (r *Recorder) Append(sessionID string, step int, items []protocol.Item) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	lock := r.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(r.pathFor(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	encoder := json.NewEncoder(w)
	now := time.Now().UTC()
	for _, item := range items {
		if err := encoder.Encode(TranscriptEntry{Step: step, Item: item, Timestamp: now}); err != nil {
			return fmt.Errorf("failed to encode transcript entry: %w", err)
		}
	}
	return w.Flush()
}

// Load reads a session's full transcript
func (r *Recorder) Load(sessionID string) ([]TranscriptEntry, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	file, err := os.Open(r.pathFor(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	var entries []TranscriptEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry TranscriptEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			r.logger.Warn().Str("session_id", sessionID).Err(err).Msg("Skipping malformed transcript line")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func (r *Recorder) pathFor(sessionID string) string {
	return filepath.Join(r.dir, sessionID+".jsonl")
}

func (r *Recorder) lockFor(sessionID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	if r.writeLocks[sessionID] == nil {
		r.writeLocks[sessionID] = &sync.Mutex{}
	}
	return r.writeLocks[sessionID]
}

// validateSessionID rejects ids that could escape the transcript directory
func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(sessionID, "..") || strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("invalid session id: %s", sessionID)
	}
	return nil
}
