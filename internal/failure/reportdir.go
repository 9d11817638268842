package failure

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const reportSettleDelay = 200 * time.Millisecond

// ReportDir ingests YAML reports dropped into a directory. Each file is
// removed once stored; files that fail to parse are renamed with a .rejected
// suffix.
type ReportDir struct {
	dir     string
	service *Service
}

func NewReportDir(dir string, service *Service) *ReportDir {
	return &ReportDir{dir: dir, service: service}
}

// Run ingests the files already present, then watches for new ones until
// ctx is cancelled.
func (d *ReportDir) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.dir); err != nil {
		return fmt.Errorf("watch %s: %w", d.dir, err)
	}
	slog.Info("report dir: watching", "dir", d.dir)

	if _, err := d.Scan(ctx); err != nil {
		slog.Error("report dir: initial scan failed", "error", err)
	}

	// Writers usually create then write; wait for events to settle.
	var (
		settle  *time.Timer
		settleC <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isReport(ev.Name) || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
			if settle == nil {
				settle = time.NewTimer(reportSettleDelay)
			} else {
				settle.Reset(reportSettleDelay)
			}
			settleC = settle.C
		case <-settleC:
			settleC = nil
			if _, err := d.Scan(ctx); err != nil {
				slog.Error("report dir: scan failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("report dir: watcher error", "error", err)
		}
	}
}

// Scan ingests every report currently in the directory.
func (d *ReportDir) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, fmt.Errorf("read report dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !isReport(e.Name()) {
			continue
		}
		path := filepath.Join(d.dir, e.Name())
		if err := d.ingestFile(ctx, path); err != nil {
			slog.Error("report dir: rejected report", "path", path, "error", err)
			if err := os.Rename(path, path+".rejected"); err != nil {
				slog.Warn("report dir: failed to set aside report", "path", path, "error", err)
			}
			continue
		}
		n++
	}
	return n, nil
}

func (d *ReportDir) ingestFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("parse report: %w", err)
	}
	if _, err := d.service.Ingest(ctx, &r); err != nil {
		return err
	}
	return os.Remove(path)
}

func isReport(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
