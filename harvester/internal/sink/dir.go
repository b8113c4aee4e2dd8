package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/harvester/capture"
	"github.com/hazyhaar/harvester/runstate"
)

// Dir writes each record under <root>/<run_id>/. File names derive from the
// item id, so re-capturing an item within a run replaces its previous files,
// including shards the new capture no longer produces.
type Dir struct {
	root     string
	maxChars int
	overlap  int
	markdown bool
	perm     os.FileMode
}

// DirOption configures a Dir sink.
type DirOption func(*Dir)

// WithShards splits transcripts longer than maxChars into overlapping
// part files.
func WithShards(maxChars, overlap int) DirOption {
	return func(d *Dir) { d.maxChars, d.overlap = maxChars, overlap }
}

// WithMarkdown also writes a .md transcript per record.
func WithMarkdown() DirOption { return func(d *Dir) { d.markdown = true } }

// NewDir writes under root, creating it if needed.
func NewDir(root string, opts ...DirOption) (*Dir, error) {
	d := &Dir{root: root, perm: 0o644}
	for _, o := range opts {
		o(d)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("sink: dir: %w", err)
	}
	return d, nil
}

// FileStem returns the deterministic base name used for an item.
func FileStem(itemID string) string {
	sum := sha256.Sum256([]byte(itemID))
	slug := itemID
	if i := strings.LastIndexByte(strings.TrimRight(slug, "/"), '/'); i >= 0 {
		slug = slug[i+1:]
	}
	slug = sanitize(slug)
	if len(slug) > 48 {
		slug = slug[:48]
	}
	if slug == "" {
		slug = "item"
	}
	return slug + "-" + hex.EncodeToString(sum[:6])
}

func (d *Dir) Write(_ context.Context, runID string, rec runstate.Record) error {
	if rec.ItemID == "" {
		return fmt.Errorf("sink: dir: record without item id")
	}
	dir := filepath.Join(d.root, sanitize(runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sink: dir: %w", err)
	}
	stem := FileStem(rec.ItemID)

	shards := capture.Shard(rec.Turns, d.maxChars, d.overlap)
	written := make(map[string]bool, len(shards))
	if len(shards) <= 1 {
		name := stem + ".json"
		if err := d.writeJSON(filepath.Join(dir, name), envelope{RunID: runID, Record: rec}); err != nil {
			return err
		}
		written[name] = true
	} else {
		for i, turns := range shards {
			part := rec
			part.Turns = turns
			part.Evidence = cloneEvidence(rec.Evidence)
			part.Evidence["shard"] = fmt.Sprintf("%d/%d", i+1, len(shards))
			name := fmt.Sprintf("%s.part%03d.json", stem, i+1)
			if err := d.writeJSON(filepath.Join(dir, name), envelope{RunID: runID, Record: part}); err != nil {
				return err
			}
			written[name] = true
		}
	}
	if err := pruneStale(dir, stem, written); err != nil {
		return err
	}

	if d.markdown {
		if err := writeAtomic(filepath.Join(dir, stem+".md"), []byte(Markdown(rec)), d.perm); err != nil {
			return fmt.Errorf("sink: dir: %w", err)
		}
	}
	return nil
}

func (d *Dir) Close() error { return nil }

// pruneStale removes the JSON files of an earlier capture of the same item
// that this write did not replace, such as leftover shards.
func pruneStale(dir, stem string, written map[string]bool) error {
	// Stems are sanitized, so they hold no glob metacharacters.
	old, err := filepath.Glob(filepath.Join(dir, stem+".part*.json"))
	if err != nil {
		return fmt.Errorf("sink: dir: %w", err)
	}
	old = append(old, filepath.Join(dir, stem+".json"))
	for _, p := range old {
		if written[filepath.Base(p)] {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("sink: dir: prune: %w", err)
		}
	}
	return nil
}

func (d *Dir) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("sink: dir: marshal: %w", err)
	}
	if err := writeAtomic(path, data, d.perm); err != nil {
		return fmt.Errorf("sink: dir: %w", err)
	}
	return nil
}

// Markdown renders a record as a readable transcript.
func Markdown(rec runstate.Record) string {
	var b strings.Builder
	title := rec.Label
	if title == "" {
		title = rec.ItemID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- url: %s\n- status: %s\n- captured: %s\n\n",
		rec.URL, rec.Status, rec.CapturedAt.UTC().Format("2006-01-02T15:04:05Z"))
	for _, t := range rec.Turns {
		fmt.Fprintf(&b, "## %d. %s\n\n%s\n\n", t.Index+1, t.Role, strings.TrimSpace(t.Text))
	}
	return b.String()
}

// writeAtomic writes through a temp file and renames it into place.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), ".")
}

func cloneEvidence(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
