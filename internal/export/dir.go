package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// DirStore writes each record as a rendered document plus a JSON sidecar
// into one directory. The sidecar is what Load reads back.
type DirStore struct {
	dir    string
	format Format
}

var (
	_ Store  = (*DirStore)(nil)
	_ Lister = (*DirStore)(nil)
)

// NewDirStore creates dir if needed. format selects the document written
// next to the JSON sidecar; FormatJSON writes the sidecar only.
func NewDirStore(dir string, format Format) (*DirStore, error) {
	if dir == "" {
		return nil, errors.New("export: dir store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("export: dir store: %w", err)
	}
	return &DirStore{dir: dir, format: format}, nil
}

// Save writes <id>.json and, for the text format, <id>.txt. Files are
// written to a temporary name and renamed so readers never see partial
// output.
func (d *DirStore) Save(_ context.Context, r Record) error {
	name, err := fileName(r.SessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("export: dir store: marshal: %w", err)
	}
	if err := d.write(name+".json", data); err != nil {
		return err
	}
	if d.format == FormatText {
		if err := d.write(name+d.format.Ext(), []byte(Text(r))); err != nil {
			return err
		}
	}
	slog.Info("export: record written", "sessionID", r.SessionID, "dir", d.dir)
	return nil
}

// Load reads the JSON sidecar of sessionID.
func (d *DirStore) Load(_ context.Context, sessionID string) (Record, error) {
	name, err := fileName(sessionID)
	if err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(filepath.Join(d.dir, name+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("export: dir store: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("export: dir store: decode %s: %w", name, err)
	}
	return r, nil
}

// Ping checks that the directory still exists.
func (d *DirStore) Ping(context.Context) error {
	fi, err := os.Stat(d.dir)
	if err != nil {
		return fmt.Errorf("export: dir store: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("export: dir store: %s is not a directory", d.dir)
	}
	return nil
}

// Recent lists the JSON sidecars by modification time, newest first.
func (d *DirStore) Recent(_ context.Context, n int64) ([]string, error) {
	if n <= 0 {
		n = 20
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("export: dir store: %w", err)
	}
	type saved struct {
		id  string
		mod time.Time
	}
	var all []saved
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		all = append(all, saved{id: strings.TrimSuffix(name, ".json"), mod: fi.ModTime()})
	}
	slices.SortFunc(all, func(a, b saved) int { return b.mod.Compare(a.mod) })
	all = all[:min(int64(len(all)), n)]
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.id
	}
	return ids, nil
}

func (d *DirStore) Close() error { return nil }

func (d *DirStore) write(name string, data []byte) error {
	tmp, err := os.CreateTemp(d.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("export: dir store: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("export: dir store: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("export: dir store: write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.dir, name)); err != nil {
		return fmt.Errorf("export: dir store: %w", err)
	}
	return nil
}

// fileName rejects IDs that could escape the directory.
func fileName(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("export: invalid session id %q", id)
	}
	return id, nil
}
