package observe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sessionbus/pkg/message"
)

// ErrClosed is returned by hooks used after Close.
var ErrClosed = errors.New("hook closed")

type jsonlEntry struct {
	Kind       message.Kind  `json:"event_kind"`
	RecordedAt time.Time     `json:"recorded_at"`
	Event      message.Event `json:"event"`
}

// JSONLHook appends every event as one JSON line to a file.
type JSONLHook struct {
	path string

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLHook opens dir/filename for appending, creating dir if needed. An
// empty filename becomes events_<timestamp>.jsonl.
func NewJSONLHook(dir, filename string) (*JSONLHook, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("events log directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events log directory: %w", err)
	}
	if filename == "" {
		filename = fmt.Sprintf("events_%s.jsonl", time.Now().Format("20060102_150405"))
	}

	path := filepath.Join(dir, filename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open events log: %w", err)
	}

	return &JSONLHook{path: path, file: file, enc: json.NewEncoder(file)}, nil
}

func (h *JSONLHook) Path() string { return h.path }

func (h *JSONLHook) Handle(_ context.Context, evt message.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return ErrClosed
	}
	if err := h.enc.Encode(jsonlEntry{Kind: evt.Kind(), RecordedAt: time.Now().UTC(), Event: evt}); err != nil {
		return fmt.Errorf("write event %s: %w", evt.Meta().ID, err)
	}

	return nil
}

func (h *JSONLHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	h.enc = nil

	return err
}
