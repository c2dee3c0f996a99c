// Package sessions provides session storage and management.
//
// file_store.go implements the durable Store: one append-only JSONL
// transcript per session under
// <data-dir>/sessions/<uuid>.jsonl.
package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jgarzik/brainpro/pkg/models"
)

// fileRecord is one line of a session's JSONL transcript file. Sessions and
// messages share a file; the last "session" record read during recovery
// wins, matching the append-only, never-mutated-in-place transcript model.
type fileRecord struct {
	Type    string          `json:"type"`
	Session *models.Session `json:"session,omitempty"`
	Message *models.Message `json:"message,omitempty"`
}

// FileStore is a Store backed by one JSONL file per session. It keeps an
// in-memory MemoryStore as its read index and rebuilds that index by
// replaying every transcript file under its directory at construction
// time, so sessions survive a daemon restart and can be resumed by id.
type FileStore struct {
	mem   *MemoryStore
	dir   string
	locks sync.Map // sessionID -> *sync.Mutex, one per transcript file
}

// NewFileStore opens (creating if necessary) a JSONL session store rooted
// at filepath.Join(dataDir, "sessions"), replaying any existing transcripts
// to recover session and message state.
func NewFileStore(dataDir string) (*FileStore, error) {
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	fs := &FileStore{mem: NewMemoryStore(), dir: dir}
	if err := fs.recover(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) path(sessionID string) string {
	return filepath.Join(f.dir, sessionID+".jsonl")
}

func (f *FileStore) lockFor(sessionID string) *sync.Mutex {
	v, _ := f.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// recover replays every *.jsonl file in the store's directory, rebuilding
// the in-memory index. It tolerates a truncated trailing line left by a
// crash mid-append.
func (f *FileStore) recover() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("read sessions dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		if err := f.replay(filepath.Join(f.dir, entry.Name())); err != nil {
			return fmt.Errorf("replay %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (f *FileStore) replay(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var session *models.Session
	var messages []*models.Message

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A half-written final line from a crash is not fatal; the
			// transcript remains authoritative up to that point.
			continue
		}
		switch {
		case rec.Session != nil:
			session = rec.Session
		case rec.Message != nil:
			messages = append(messages, rec.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	f.mem.sessions[session.ID] = cloneSession(session)
	if session.Key != "" {
		f.mem.byKey[session.Key] = session.ID
	}
	for _, msg := range messages {
		f.mem.messages[session.ID] = append(f.mem.messages[session.ID], cloneMessage(msg))
	}
	return nil
}

func (f *FileStore) appendRecord(sessionID string, rec fileRecord) error {
	mu := f.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	file, err := os.OpenFile(f.path(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer file.Close()

	return json.NewEncoder(file).Encode(rec)
}

func (f *FileStore) Create(ctx context.Context, session *models.Session) error {
	if err := f.mem.Create(ctx, session); err != nil {
		return err
	}
	return f.appendRecord(session.ID, fileRecord{Type: "session", Session: session})
}

func (f *FileStore) Get(ctx context.Context, id string) (*models.Session, error) {
	return f.mem.Get(ctx, id)
}

func (f *FileStore) Update(ctx context.Context, session *models.Session) error {
	if err := f.mem.Update(ctx, session); err != nil {
		return err
	}
	return f.appendRecord(session.ID, fileRecord{Type: "session", Session: session})
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	if err := f.mem.Delete(ctx, id); err != nil {
		return err
	}
	f.locks.Delete(id)
	if err := os.Remove(f.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove transcript: %w", err)
	}
	return nil
}

func (f *FileStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	return f.mem.GetByKey(ctx, key)
}

func (f *FileStore) GetOrCreate(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	if existing, err := f.mem.GetByKey(ctx, key); err == nil {
		return existing, nil
	}
	session, err := f.mem.GetOrCreate(ctx, key, agentID, channel, channelID)
	if err != nil {
		return nil, err
	}
	if err := f.appendRecord(session.ID, fileRecord{Type: "session", Session: session}); err != nil {
		return nil, err
	}
	return session, nil
}

func (f *FileStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	return f.mem.List(ctx, agentID, opts)
}

func (f *FileStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if err := f.mem.AppendMessage(ctx, sessionID, msg); err != nil {
		return err
	}
	return f.appendRecord(sessionID, fileRecord{Type: "message", Message: msg})
}

func (f *FileStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	return f.mem.GetHistory(ctx, sessionID, limit)
}
