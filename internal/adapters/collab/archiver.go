package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/telecare/parley/internal/domain"
)

// FileArchiver appends retained chat messages to one JSONL file per
// session. Serialized writes; reads never go through here.
type FileArchiver struct {
	root string

	mu sync.Mutex
}

func NewFileArchiver(root string) (*FileArchiver, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("chat archive root: %w", err)
	}
	return &FileArchiver{root: root}, nil
}

func (a *FileArchiver) Archive(_ context.Context, msg domain.ChatMessage) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.root, string(msg.SessionID)+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
