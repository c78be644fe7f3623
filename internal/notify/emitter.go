package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/logging"
	"github.com/withObsrvr/frigate-reel/internal/storage"
)

// Config configures event emission.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`   // POST target, file-only when empty
	BackupDir string `yaml:"backup_dir"` // event copies and chain heads
}

// Emitter records published runs.
type Emitter interface {
	RecordRun(ctx context.Context, manifestURI string, m *storage.Manifest) error
	Close() error
}

// NewEmitter returns a no-op emitter when disabled, a file-only emitter
// when no endpoint is set, and an HTTP emitter otherwise.
func NewEmitter(cfg Config) (Emitter, error) {
	if !cfg.Enabled {
		return noopEmitter{}, nil
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = "./events"
	}

	chain, err := NewChainTracker(cfg.BackupDir)
	if err != nil {
		return nil, err
	}
	e := &emitter{
		cfg:   cfg,
		chain: chain,
		log:   logging.Component("notify"),
	}
	if cfg.Endpoint != "" {
		e.client = &http.Client{Timeout: 30 * time.Second}
		e.retryDelay = time.Second
	}
	return e, nil
}

type emitter struct {
	cfg    Config
	chain  *ChainTracker
	client *http.Client // nil when file-only
	log    *slog.Logger

	retryDelay time.Duration

	// Chain heads must advance one event at a time.
	mu sync.Mutex
}

// RecordRun emits the event for a published run.
//
//  1. Link it to the chain head
//  2. Back it up to a local file (always, before HTTP)
//  3. POST it to the endpoint, with retry
//  4. Advance the chain head
func (e *emitter) RecordRun(ctx context.Context, manifestURI string, m *storage.Manifest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	evt := NewEvent(manifestURI, m)
	chainKey := evt.Run.ChainKey()

	prevHash, err := e.chain.Head(chainKey)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}
	evt.SetChainHashes(prevHash)

	e.log.Info("emitting event",
		"chain", chainKey,
		"run_id", evt.Run.RunID,
		"prev_hash", prevHash,
		"event_hash", evt.Chain.EventHash,
	)

	if err := e.backup(evt); err != nil {
		if e.client == nil {
			return err
		}
		e.log.Warn("event backup failed", "error", err)
	}

	if e.client != nil {
		if err := e.postWithRetry(ctx, evt); err != nil {
			return fmt.Errorf("emit event: %w", err)
		}
	}

	if err := e.chain.SetHead(chainKey, evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

// backup writes evt to {run_id}.json in the backup dir.
func (e *emitter) backup(evt *Event) error {
	path := filepath.Join(e.cfg.BackupDir, evt.Run.RunID+".json")

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write event backup: %w", err)
	}
	e.log.Debug("event backed up", "path", path)
	return nil
}

func (e *emitter) postWithRetry(ctx context.Context, evt *Event) error {
	var lastErr error
	retries := 3
	delay := e.retryDelay

	for attempt := 1; attempt <= retries; attempt++ {
		err := e.post(ctx, evt)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < retries {
			e.log.Warn("event post failed, retrying", "attempt", attempt, "retries", retries, "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", retries, lastErr)
}

func (e *emitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.log.Debug("event posted", "endpoint", e.cfg.Endpoint, "status", resp.StatusCode)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

func (e *emitter) Close() error {
	if e.client != nil {
		e.client.CloseIdleConnections()
	}
	return nil
}

// noopEmitter discards all events.
type noopEmitter struct{}

func (noopEmitter) RecordRun(context.Context, string, *storage.Manifest) error { return nil }

func (noopEmitter) Close() error { return nil }
