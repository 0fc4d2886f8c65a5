package health

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Status string

const (
	StatusOK   Status = "OK"
	StatusFail Status = "FAIL"
)

// Record is the single current-state document read by external health checks.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
}

// Publisher overwrites the health file each cycle. Readers see either the
// old or the new document, never a partial write.
type Publisher struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

func NewPublisher(path string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{path: path, logger: logger, now: time.Now}
}

func (p *Publisher) Path() string { return p.path }

// Publish never fails the caller; a write error is logged and returned for
// callers that want to surface it.
func (p *Publisher) Publish(status Status, message string) error {
	rec := Record{Timestamp: p.now().UTC(), Status: status, Message: message}

	p.mu.Lock()
	err := writeAtomic(p.path, rec)
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("failed to publish health status", "event", "health", "path", p.path, "error", err)
		return err
	}
	p.logger.Info("health status published", "event", "health", "status", string(status), "message", message)
	return nil
}

func writeAtomic(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode health record: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create health directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".health-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp health file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp health file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp health file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp health file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp health file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace health file: %w", err)
	}
	return nil
}

// Read loads the current health record. A missing file is reported as
// os.ErrNotExist.
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode health file %s: %w", path, err)
	}
	return rec, nil
}
