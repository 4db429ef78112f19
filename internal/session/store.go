package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meridianhq/conduit/internal/observability"
	"github.com/meridianhq/conduit/pkg/models"
)

// Store persists sessions. Implementations are safe for concurrent
// use.
type Store interface {
	// GetOrCreate loads the session for key, creating an empty one if
	// none exists.
	GetOrCreate(ctx context.Context, key string) (*Session, error)

	// Save persists the session's unsaved turns.
	Save(ctx context.Context, s *Session) error

	// List summarizes all stored sessions.
	List(ctx context.Context) ([]Info, error)

	// Delete removes a session and its persisted state.
	Delete(ctx context.Context, key string) error
}

// Info summarizes a stored session for listings.
type Info struct {
	Key       string    `json:"key"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// metaLine is the first line of a session file. Its _type tag keeps it
// distinguishable from turns when scanning.
type metaLine struct {
	Type      string    `json:"_type"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

const metaLineType = "metadata"

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// FileStore keeps one JSONL file per session under a directory: a
// metadata first line, then one turn per line. Saves append newly
// added turns; a replaced history rewrites the whole file.
type FileStore struct {
	dir    string
	logger *observability.Logger

	mu    sync.Mutex
	cache map[string]*Session
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, logger *observability.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*Session),
	}, nil
}

func (fs *FileStore) path(key string) string {
	return filepath.Join(fs.dir, unsafeKeyChars.ReplaceAllString(key, "_")+".jsonl")
}

// GetOrCreate returns the cached session or loads it from disk. A
// corrupt trailing line, as left by an interrupted write, is dropped
// with a warning rather than failing the load.
func (fs *FileStore) GetOrCreate(ctx context.Context, key string) (*Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if s, ok := fs.cache[key]; ok {
		return s, nil
	}

	s := New(key)
	path := fs.path(key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			fs.cache[key] = s
			return s, nil
		}
		return nil, fmt.Errorf("open session %s: %w", key, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if lineNo == 1 && strings.Contains(line, `"_type"`) {
			var meta metaLine
			if err := json.Unmarshal([]byte(line), &meta); err == nil && meta.Type == metaLineType {
				if !meta.CreatedAt.IsZero() {
					s.CreatedAt = meta.CreatedAt
				}
				continue
			}
		}
		var turn models.Turn
		if err := json.Unmarshal([]byte(line), &turn); err != nil {
			if fs.logger != nil {
				fs.logger.Warn(ctx, "dropping corrupt session line",
					"session", key, "line", lineNo, "error", err)
			}
			break
		}
		s.turns = append(s.turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session %s: %w", key, err)
	}

	s.markSaved()
	if st, err := os.Stat(path); err == nil {
		s.UpdatedAt = st.ModTime().UTC()
	}
	fs.cache[key] = s
	return s, nil
}

// Save appends turns added since the last save, or rewrites the file
// when the history was replaced.
func (fs *FileStore) Save(ctx context.Context, s *Session) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.cache[s.Key] = s
	path := fs.path(s.Key)

	if _, err := os.Stat(path); s.rewrite || os.IsNotExist(err) {
		if err := fs.writeAll(path, s); err != nil {
			return err
		}
		s.markSaved()
		return nil
	}

	pending := s.unsaved()
	if len(pending) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session %s for append: %w", s.Key, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, turn := range pending {
		if err := writeJSONLine(w, turn); err != nil {
			return fmt.Errorf("append session %s: %w", s.Key, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush session %s: %w", s.Key, err)
	}
	s.markSaved()
	return nil
}

// writeAll rewrites the session file atomically.
func (fs *FileStore) writeAll(path string, s *Session) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create session %s: %w", s.Key, err)
	}

	w := bufio.NewWriter(f)
	err = writeJSONLine(w, metaLine{Type: metaLineType, Key: s.Key, CreatedAt: s.CreatedAt})
	if err == nil {
		for _, turn := range s.turns {
			if err = writeJSONLine(w, turn); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write session %s: %w", s.Key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace session %s: %w", s.Key, err)
	}
	return nil
}

func writeJSONLine(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// List scans the directory for session files. Cached sessions report
// live turn counts; others are summarized from disk.
func (fs *FileStore) List(ctx context.Context) ([]Info, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(fs.dir, entry.Name())
		info, err := summarizeFile(path)
		if err != nil {
			if fs.logger != nil {
				fs.logger.Warn(ctx, "skipping unreadable session file", "file", entry.Name(), "error", err)
			}
			continue
		}
		if info.Key == "" {
			info.Key = strings.TrimSuffix(entry.Name(), ".jsonl")
		}
		if cached, ok := fs.cache[info.Key]; ok {
			info.Turns = cached.Len()
			info.CreatedAt = cached.CreatedAt
			info.UpdatedAt = cached.UpdatedAt
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt.After(infos[j].UpdatedAt) })
	return infos, nil
}

func summarizeFile(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	var info Info
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			var meta metaLine
			if err := json.Unmarshal([]byte(line), &meta); err == nil && meta.Type == metaLineType {
				info.Key = meta.Key
				info.CreatedAt = meta.CreatedAt
				continue
			}
		}
		info.Turns++
	}
	if err := scanner.Err(); err != nil {
		return Info{}, err
	}
	if st, err := os.Stat(path); err == nil {
		info.UpdatedAt = st.ModTime().UTC()
	}
	return info, nil
}

// Delete removes the session from cache and disk.
func (fs *FileStore) Delete(ctx context.Context, key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	delete(fs.cache, key)
	if err := os.Remove(fs.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)

// MemoryStore keeps sessions in memory only. Used by tests and
// ephemeral deployments.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (ms *MemoryStore) GetOrCreate(ctx context.Context, key string) (*Session, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if s, ok := ms.sessions[key]; ok {
		return s, nil
	}
	s := New(key)
	ms.sessions[key] = s
	return s, nil
}

func (ms *MemoryStore) Save(ctx context.Context, s *Session) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[s.Key] = s
	s.markSaved()
	return nil
}

func (ms *MemoryStore) List(ctx context.Context) ([]Info, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	infos := make([]Info, 0, len(ms.sessions))
	for _, s := range ms.sessions {
		infos = append(infos, Info{
			Key:       s.Key,
			Turns:     s.Len(),
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt.After(infos[j].UpdatedAt) })
	return infos, nil
}

func (ms *MemoryStore) Delete(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, key)
	return nil
}

var _ Store = (*MemoryStore)(nil)
