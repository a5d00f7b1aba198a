package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// SpoolPending writes the parked findings to the spool file so a later run
// can persist them. With nothing pending the spool file is removed.
func (p *Processor) SpoolPending() (int, error) {
	if p.cfg.SpoolPath == "" {
		return 0, nil
	}

	p.mu.Lock()
	batch := append([]*model.Finding(nil), p.pending...)
	p.mu.Unlock()

	if len(batch) == 0 {
		if err := os.Remove(p.cfg.SpoolPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("remove spool: %w", err)
		}
		return 0, nil
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return 0, fmt.Errorf("encode spool: %w", err)
	}

	dir := filepath.Dir(p.cfg.SpoolPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create spool dir: %w", err)
	}

	// write then rename so a crash never leaves a truncated spool behind
	tmp, err := os.CreateTemp(dir, ".spool-*")
	if err != nil {
		return 0, fmt.Errorf("create spool: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write spool: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("sync spool: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("close spool: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.cfg.SpoolPath); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("rename spool: %w", err)
	}

	p.logger.Warn("Pending findings spooled to disk", "path", p.cfg.SpoolPath, "findings", len(batch))
	return len(batch), nil
}

// LoadSpool parks the findings spooled by a previous run. The file is left in
// place until the next SpoolPending rewrites it; sinks are idempotent on
// finding id, so a crash in between only causes a repeated write.
func (p *Processor) LoadSpool() (int, error) {
	if p.cfg.SpoolPath == "" {
		return 0, nil
	}

	data, err := os.ReadFile(p.cfg.SpoolPath)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read spool: %w", err)
	}

	var batch []*model.Finding
	if err := json.Unmarshal(data, &batch); err != nil {
		return 0, fmt.Errorf("decode spool %s: %w", p.cfg.SpoolPath, err)
	}

	for _, f := range batch {
		if f != nil {
			p.park(f)
		}
	}
	p.logger.Info("Loaded spooled findings", "path", p.cfg.SpoolPath, "findings", len(batch))
	return len(batch), nil
}
