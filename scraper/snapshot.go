package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// SnapshotSink keeps bounded copies of pages that could not be parsed.
type SnapshotSink interface {
	Save(ctx context.Context, target string, body []byte) error
}

// NopSnapshots discards snapshots.
type NopSnapshots struct{}

// Save does nothing.
func (NopSnapshots) Save(context.Context, string, []byte) error { return nil }

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func snapshotName(target string, now time.Time) string {
	return fmt.Sprintf("%s-%d.html", unsafeName.ReplaceAllString(target, "_"), now.UnixNano())
}

// LocalSnapshots writes snapshots to a directory and keeps the newest maxFiles.
type LocalSnapshots struct {
	logger   *slog.Logger
	dir      string
	maxFiles int
}

// NewLocalSnapshots creates a directory-backed sink.
func NewLocalSnapshots(dir string, maxFiles int, logger *slog.Logger) *LocalSnapshots {
	return &LocalSnapshots{dir: dir, maxFiles: maxFiles, logger: logger}
}

// Save writes body and prunes old snapshots.
func (l *LocalSnapshots) Save(_ context.Context, target string, body []byte) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	path := filepath.Join(l.dir, snapshotName(target, time.Now()))
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	l.logger.Info("Page snapshot saved", "path", path, "bytes", len(body))
	return l.prune()
}

func (l *LocalSnapshots) prune() error {
	if l.maxFiles <= 0 {
		return nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read snapshot directory: %w", err)
	}

	type snap struct {
		mod  time.Time
		name string
	}
	var snaps []snap
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".html") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, snap{name: e.Name(), mod: info.ModTime()})
	}
	if len(snaps) <= l.maxFiles {
		return nil
	}

	slices.SortFunc(snaps, func(a, b snap) int {
		if c := a.mod.Compare(b.mod); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	for _, s := range snaps[:len(snaps)-l.maxFiles] {
		if err := os.Remove(filepath.Join(l.dir, s.name)); err != nil && !os.IsNotExist(err) {
			l.logger.Warn("Failed to remove old snapshot", "file", s.name, "error", err)
		}
	}
	return nil
}

// GCSSnapshots writes snapshots under a prefix in a Cloud Storage bucket.
type GCSSnapshots struct {
	client   *storage.Client
	logger   *slog.Logger
	bucket   string
	prefix   string
	maxFiles int
}

// NewGCSSnapshots creates a bucket-backed sink.
func NewGCSSnapshots(client *storage.Client, bucket, prefix string, maxFiles int, logger *slog.Logger) *GCSSnapshots {
	if prefix == "" {
		prefix = "snapshots/"
	}
	return &GCSSnapshots{client: client, bucket: bucket, prefix: prefix, maxFiles: maxFiles, logger: logger}
}

// Save uploads body and prunes old snapshots.
func (g *GCSSnapshots) Save(ctx context.Context, target string, body []byte) error {
	key := g.prefix + snapshotName(target, time.Now())

	err := retry.Do(
		func() error {
			w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "text/html; charset=utf-8"
			if _, writeErr := w.Write(body); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write snapshot: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close snapshot writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("save snapshot after retries: %w", err)
	}
	g.logger.Info("Page snapshot saved", "bucket", g.bucket, "key", key, "bytes", len(body))
	return g.prune(ctx)
}

func (g *GCSSnapshots) prune(ctx context.Context) error {
	if g.maxFiles <= 0 {
		return nil
	}

	var objs []*storage.ObjectAttrs
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: g.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("list snapshots: %w", err)
		}
		objs = append(objs, attrs)
	}
	if len(objs) <= g.maxFiles {
		return nil
	}

	slices.SortFunc(objs, func(a, b *storage.ObjectAttrs) int {
		return a.Created.Compare(b.Created)
	})
	for _, o := range objs[:len(objs)-g.maxFiles] {
		if err := g.client.Bucket(g.bucket).Object(o.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			g.logger.Warn("Failed to delete old snapshot", "key", o.Name, "error", err)
		}
	}
	return nil
}
