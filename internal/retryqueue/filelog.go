package retryqueue

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"waconnector/pkg/models"
)

// Item is one queued message as stored on disk, one JSON object per line.
type Item struct {
	ID                   string                `json:"id"`
	IntegrationAccountID string                `json:"integrationAccountId"`
	Source               string                `json:"source,omitempty"`
	Message              models.InboundMessage `json:"message"`
	QueuedAt             time.Time             `json:"queued_at"`
}

func (i Item) Valid() bool {
	return i.IntegrationAccountID != "" && i.Message.Key.RemoteJID != ""
}

func (i Item) queued() models.QueuedMessage {
	return models.QueuedMessage{
		IntegrationAccountID: i.IntegrationAccountID,
		Source:               i.Source,
		Message:              i.Message,
	}
}

// FileLog is the newline delimited JSON file backing a Queue. It is not safe for concurrent
// use and must be owned by a single process.
type FileLog struct {
	path string
}

func NewFileLog(path string) *FileLog {
	return &FileLog{path: path}
}

func (l *FileLog) Path() string {
	return l.path
}

// Append writes item as one line and fsyncs before returning. A torn last line left by a
// crash is terminated first so the new item starts on its own line.
func (l *FileLog) Append(item Item) error {
	line, err := encodeLine(item)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create retry queue dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open retry queue log: %w", err)
	}
	torn, err := endsWithoutNewline(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("read retry queue log: %w", err)
	}
	if torn {
		line = append([]byte{'\n'}, line...)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append retry queue log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync retry queue log: %w", err)
	}
	return f.Close()
}

// Rewrite replaces the log with items. The new content is written to a temp file in the same
// directory and renamed over the log, so readers see either the old or the new file.
func (l *FileLog) Rewrite(items []Item) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create retry queue dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".retry-queue-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp retry queue log: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	w := bufio.NewWriter(tmp)
	for _, item := range items {
		line, err := encodeLine(item)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := w.Write(line); err != nil {
			tmp.Close()
			return fmt.Errorf("write temp retry queue log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp retry queue log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp retry queue log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("replace retry queue log: %w", err)
	}
	return nil
}

// Load reads every parseable item. Lines that fail to decode, including a torn last line, are
// reported to onCorrupt and skipped. A missing file yields no items.
func (l *FileLog) Load(onCorrupt func(line int, err error)) ([]Item, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open retry queue log: %w", err)
	}
	defer f.Close()

	var items []Item
	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		raw, readErr := r.ReadBytes('\n')
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 {
			var item Item
			if err := json.Unmarshal(raw, &item); err != nil {
				if onCorrupt != nil {
					onCorrupt(lineNo, err)
				}
			} else if !item.Valid() {
				if onCorrupt != nil {
					onCorrupt(lineNo, errors.New("missing integrationAccountId or message"))
				}
			} else {
				items = append(items, item)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return items, fmt.Errorf("read retry queue log: %w", readErr)
		}
	}
	return items, nil
}

func endsWithoutNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func encodeLine(item Item) ([]byte, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode retry queue item: %w", err)
	}
	return append(b, '\n'), nil
}
