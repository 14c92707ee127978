package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/orbit/pkg/models"
)

const (
	// MetadataVersion is written into every metadata.json.
	MetadataVersion = "2.0"

	stateFile    = "state.json"
	metadataFile = "metadata.json"
	pointerFile  = "current_state.json"
)

// Metadata is the sidecar record persisted next to the turn list.
type Metadata struct {
	Version       string            `json:"version"`
	SessionID     string            `json:"sessionId"`
	WorkspaceDir  string            `json:"workspaceDir"`
	LastMessageAt time.Time         `json:"lastMessageAt"`
	TokenUsage    models.TokenUsage `json:"tokenUsage"`
	Settings      map[string]any    `json:"settings,omitempty"`
}

// Pointer is the top-level current_state.json, naming the latest session
// so `orbit run` and `orbit chat` can resume it.
type Pointer struct {
	CurrentSessionID string    `json:"currentSessionId"`
	WorkspacePath    string    `json:"workspacePath"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// stateDoc is the on-disk shape of state.json.
type stateDoc struct {
	Turns []Turn `json:"turns"`
}

// Store persists session state under a root directory, one subdirectory
// per session plus the top-level pointer file.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir, creating it if absent.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (st *Store) Root() string {
	return st.root
}

// SessionDir returns the directory holding one session's files.
func (st *Store) SessionDir(sessionID string) string {
	return filepath.Join(st.root, sessionID)
}

// Save writes state.json and metadata.json for the session and refreshes
// the top-level pointer. All writes are atomic (tmp file, fsync, rename),
// so a crash mid-save leaves the previous files intact.
func (st *Store) Save(s *State, meta Metadata) error {
	if meta.SessionID == "" {
		return errors.New("save: empty session id")
	}
	meta.Version = MetadataVersion
	if meta.LastMessageAt.IsZero() {
		meta.LastMessageAt = s.LastMessageAt()
	}

	dir := st.SessionDir(meta.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	doc := stateDoc{Turns: s.SnapshotForModel()}
	if err := writeJSONAtomic(filepath.Join(dir, stateFile), doc); err != nil {
		return fmt.Errorf("write %s: %w", stateFile, err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, metadataFile), meta); err != nil {
		return fmt.Errorf("write %s: %w", metadataFile, err)
	}

	ptr := Pointer{
		CurrentSessionID: meta.SessionID,
		WorkspacePath:    meta.WorkspaceDir,
		LastUpdated:      time.Now(),
	}
	if err := writeJSONAtomic(filepath.Join(st.root, pointerFile), ptr); err != nil {
		return fmt.Errorf("write %s: %w", pointerFile, err)
	}
	return nil
}

// Load reads a session's state and metadata. An absent session yields an
// empty State and zero-value Metadata with the session id filled in.
func (st *Store) Load(sessionID string) (*State, Metadata, error) {
	s := New()
	meta := Metadata{Version: MetadataVersion, SessionID: sessionID}

	dir := st.SessionDir(sessionID)

	var doc stateDoc
	err := readJSON(filepath.Join(dir, stateFile), &doc)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, meta, nil
	case err != nil:
		return nil, Metadata{}, fmt.Errorf("read %s: %w", stateFile, err)
	}
	if err := s.ReplaceTurns(doc.Turns); err != nil {
		return nil, Metadata{}, fmt.Errorf("load %s: %w", stateFile, err)
	}

	err = readJSON(filepath.Join(dir, metadataFile), &meta)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// State without metadata is tolerated; keep the defaults.
	case err != nil:
		return nil, Metadata{}, fmt.Errorf("read %s: %w", metadataFile, err)
	default:
		s.AddUsage(meta.TokenUsage)
	}
	return s, meta, nil
}

// CurrentPointer reads the top-level pointer. An absent pointer returns
// fs.ErrNotExist.
func (st *Store) CurrentPointer() (Pointer, error) {
	var ptr Pointer
	if err := readJSON(filepath.Join(st.root, pointerFile), &ptr); err != nil {
		return Pointer{}, err
	}
	return ptr, nil
}

// Delete removes a session's directory. The pointer is cleared when it
// referenced the deleted session.
func (st *Store) Delete(sessionID string) error {
	if err := os.RemoveAll(st.SessionDir(sessionID)); err != nil {
		return fmt.Errorf("delete session dir: %w", err)
	}
	ptr, err := st.CurrentPointer()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if ptr.CurrentSessionID == sessionID {
		if err := os.Remove(filepath.Join(st.root, pointerFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSONAtomic marshals v and writes it via a temp file in the target
// directory, fsyncs, then renames over the destination.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
