package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"sessionbus/pkg/message"
)

const fileFormatVersion = 1

type fileDocument struct {
	Version int      `json:"version"`
	Codec   string   `json:"codec"`
	Records []Record `json:"records"`
}

// File keeps pending events in one JSON document, replaced atomically on
// every write.
type File struct {
	path string
	opts Options

	mu sync.Mutex
}

func OpenFile(path string, opts Options) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	return &File{path: cleanPath, opts: opts.withDefaults()}, nil
}

func (f *File) Save(ctx context.Context, events []message.Scheduled) error {
	records, err := encodeRecords(f.opts.Codec, events)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	doc.Records = append(doc.Records, records...)

	return f.write(ctx, doc)
}

func (f *File) LoadAndClear(ctx context.Context) ([]message.Scheduled, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	if len(doc.Records) == 0 {
		return nil, nil
	}

	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("clear store file: %w", err)
	}

	return decodeRecords(ctx, f.opts.Logger, f.opts.Codec, doc.Records), nil
}

func (f *File) Peek(ctx context.Context) ([]message.Scheduled, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return nil, err
	}

	return decodeRecords(ctx, f.opts.Logger, f.opts.Codec, doc.Records), nil
}

func (f *File) Close() error { return nil }

func (f *File) read() (fileDocument, error) {
	content, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileDocument{Version: fileFormatVersion, Codec: f.opts.Codec.Name()}, nil
	}
	if err != nil {
		return fileDocument{}, fmt.Errorf("read store file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return fileDocument{}, fmt.Errorf("parse store file: %w", err)
	}
	if doc.Codec != "" && doc.Codec != f.opts.Codec.Name() {
		return fileDocument{}, fmt.Errorf("store file was written with codec %q, configured %q", doc.Codec, f.opts.Codec.Name())
	}

	return doc, nil
}

func (f *File) write(ctx context.Context, doc fileDocument) error {
	doc.Version = fileFormatVersion
	doc.Codec = f.opts.Codec.Name()

	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}

	pendingFile, err := renameio.NewPendingFile(f.path)
	if err != nil {
		return fmt.Errorf("create pending store file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			f.opts.Logger.DebugContext(ctx, "cleanup pending store file", "error", err)
		}
	}()

	if _, err := pendingFile.Write(content); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace store file: %w", err)
	}

	return nil
}
