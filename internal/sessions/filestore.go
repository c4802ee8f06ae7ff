package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chozzz/vargos/internal/sessionkey"
	"github.com/chozzz/vargos/pkg/models"
)

// FileStore writes one append-only JSONL log per session. Line 1 is the
// session header; subsequent lines are messages. Layout under root:
//
//	<root>/<safeKey>/<safeKey>.jsonl          main and cron sessions
//	<root>/<rootSafeKey>/subagent-<id>.jsonl  sub-agents beside their parent
//
// Files are append-only during normal operation; UpdateSession rewrites the
// whole file atomically via a temp file rename.
type FileStore struct {
	root string

	mu       sync.Mutex
	sessions map[string]*fileSession
}

type fileSession struct {
	mu      sync.Mutex
	path    string
	session *models.Session
}

// NewFileStore opens root, loading headers of any existing session logs.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("session root %s: %w", root, err)
	}
	fs := &FileStore{root: root, sessions: make(map[string]*fileSession)}
	if err := fs.scan(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) scan() error {
	dirs, err := os.ReadDir(fs.root)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(fs.root, dir.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			path := filepath.Join(fs.root, dir.Name(), f.Name())
			header, err := readHeader(path)
			if err != nil {
				continue
			}
			fs.sessions[header.SessionKey] = &fileSession{path: path, session: header}
		}
	}
	return nil
}

func readHeader(path string) (*models.Session, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return nil, fmt.Errorf("empty session log %s", path)
	}
	var s models.Session
	if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
		return nil, err
	}
	if s.SessionKey == "" {
		return nil, fmt.Errorf("session log %s has no header", path)
	}
	return &s, nil
}

// pathFor places sub-agent logs beside their parent's to preserve locality
// and simplify cleanup.
func (fs *FileStore) pathFor(key string) string {
	root := sessionkey.Root(key)
	safeRoot := sessionkey.SafeKey(root)
	if sessionkey.IsSubagent(key) {
		k, err := sessionkey.Parse(key)
		if err != nil {
			return filepath.Join(fs.root, safeRoot, sessionkey.SafeKey(key)+".jsonl")
		}
		return filepath.Join(fs.root, safeRoot, "subagent-"+k.SubagentID+".jsonl")
	}
	return filepath.Join(fs.root, safeRoot, safeRoot+".jsonl")
}

func (fs *FileStore) CreateSession(_ context.Context, s *models.Session) error {
	if s == nil || s.SessionKey == "" {
		return fmt.Errorf("session requires a key")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.sessions[s.SessionKey]; ok {
		return ErrExists
	}

	now := time.Now().UTC()
	stored := *s
	if stored.Kind == "" {
		stored.Kind = sessionkey.Kind(s.SessionKey)
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt

	path := fs.pathFor(s.SessionKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(line, '\n'), 0o644); err != nil {
		return err
	}
	fs.sessions[s.SessionKey] = &fileSession{path: path, session: &stored}
	*s = stored
	return nil
}

func (fs *FileStore) get(key string) (*fileSession, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, ok := fs.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (fs *FileStore) GetSession(_ context.Context, key string) (*models.Session, error) {
	entry, err := fs.get(key)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	copied := *entry.session
	return &copied, nil
}

func (fs *FileStore) UpdateSession(_ context.Context, key string, upd SessionUpdate) (*models.Session, error) {
	entry, err := fs.get(key)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	s := *entry.session
	if upd.Label != nil {
		s.Label = *upd.Label
	}
	if upd.AgentID != nil {
		s.AgentID = *upd.AgentID
	}
	if upd.Metadata != nil {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any, len(upd.Metadata))
		} else {
			merged := make(map[string]any, len(s.Metadata)+len(upd.Metadata))
			for k, v := range s.Metadata {
				merged[k] = v
			}
			s.Metadata = merged
		}
		for k, v := range upd.Metadata {
			s.Metadata[k] = v
		}
	}
	s.UpdatedAt = time.Now().UTC()

	if err := entry.rewriteHeaderLocked(&s); err != nil {
		return nil, err
	}
	entry.session = &s
	copied := s
	return &copied, nil
}

// rewriteHeaderLocked replaces line 1 atomically: the messages are streamed
// into a temp file under a fresh header, then renamed over the log.
func (e *fileSession) rewriteHeaderLocked(s *models.Session) error {
	messages, err := e.readMessagesLocked()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(e.path), ".session-*.jsonl")
	if err != nil {
		return err
	}
	w := bufio.NewWriter(tmp)
	header, err := json.Marshal(s)
	if err == nil {
		_, err = w.Write(append(header, '\n'))
	}
	for _, m := range messages {
		if err != nil {
			break
		}
		var line []byte
		line, err = json.Marshal(m)
		if err == nil {
			_, err = w.Write(append(line, '\n'))
		}
	}
	if err == nil {
		err = w.Flush()
	}
	tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), e.path)
}

func (fs *FileStore) DeleteSession(_ context.Context, key string) error {
	fs.mu.Lock()
	entry, ok := fs.sessions[key]
	if !ok {
		fs.mu.Unlock()
		return ErrNotFound
	}
	delete(fs.sessions, key)
	fs.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := os.Remove(entry.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	// Drop the per-root directory once its last log is gone.
	dir := filepath.Dir(entry.path)
	if remaining, err := os.ReadDir(dir); err == nil && len(remaining) == 0 {
		_ = os.Remove(dir)
	}
	return nil
}

func (fs *FileStore) ListSessions(_ context.Context, f ListFilter) ([]*models.Session, error) {
	fs.mu.Lock()
	entries := make([]*fileSession, 0, len(fs.sessions))
	for _, e := range fs.sessions {
		entries = append(entries, e)
	}
	fs.mu.Unlock()

	out := make([]*models.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		s := *e.session
		e.mu.Unlock()
		if f.Kind != "" && s.Kind != f.Kind {
			continue
		}
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (fs *FileStore) AddMessage(_ context.Context, m *models.SessionMessage) error {
	if m == nil || m.SessionKey == "" {
		return fmt.Errorf("message requires a session key")
	}
	entry, err := fs.get(m.SessionKey)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(m)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(entry.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := file.Write(append(line, '\n'))
	cerr := file.Close()
	if werr != nil {
		return werr
	}
	if cerr != nil {
		return cerr
	}

	updated := *entry.session
	updated.UpdatedAt = m.Timestamp
	entry.session = &updated
	return nil
}

func (e *fileSession) readMessagesLocked() ([]*models.SessionMessage, error) {
	file, err := os.Open(e.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var out []*models.SessionMessage
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m models.SessionMessage
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			// A torn trailing line from a crashed writer is skipped, not fatal.
			continue
		}
		out = append(out, &m)
	}
	return out, scanner.Err()
}

func (fs *FileStore) GetMessages(_ context.Context, key string, limit int, before time.Time) ([]*models.SessionMessage, error) {
	entry, err := fs.get(key)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	messages, rerr := entry.readMessagesLocked()
	entry.mu.Unlock()
	if rerr != nil {
		return nil, rerr
	}
	return filterMessages(messages, limit, before), nil
}

func (fs *FileStore) Close() error { return nil }

// filterMessages applies the shared before/limit semantics: strictly-before
// filter first, then keep the most recent limit, still oldest-first.
func filterMessages(messages []*models.SessionMessage, limit int, before time.Time) []*models.SessionMessage {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	if !before.IsZero() {
		kept := messages[:0]
		for _, m := range messages {
			if m.Timestamp.Before(before) {
				kept = append(kept, m)
			}
		}
		messages = kept
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages
}
