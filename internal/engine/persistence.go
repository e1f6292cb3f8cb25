package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/icebiz/modgate/internal/apperr"
)

// Persistence handles disk I/O for the mapping document. It reads every
// candidate path but writes only the primary one.
type Persistence struct {
	Primary string
	// Legacy paths are read before Primary, lowest precedence first.
	Legacy  []string
	Timeout time.Duration

	mu sync.Mutex // Protects concurrent writes to the filesystem
}

// NewPersistence initializes a persistence handler.
func NewPersistence(primary string, legacy []string, timeout time.Duration) (*Persistence, error) {
	if primary == "" {
		return nil, errors.New("primary document path is required")
	}
	// Ensure the directory of the primary document exists
	if err := os.MkdirAll(filepath.Dir(primary), 0755); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Persistence{Primary: primary, Legacy: legacy, Timeout: timeout}, nil
}

// Candidates returns every path read on load, in precedence order.
func (p *Persistence) Candidates() []string {
	out := make([]string, 0, len(p.Legacy)+1)
	for _, l := range p.Legacy {
		if l != "" && l != p.Primary {
			out = append(out, l)
		}
	}
	return append(out, p.Primary)
}

// withTimeout runs fn, giving up when ctx ends or the timeout expires.
// fn keeps running in the background after a timeout; callers treat the
// operation as failed.
func (p *Persistence) withTimeout(ctx context.Context, op string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", op, p.Primary, ctx.Err())
	}
}

// errWriteAbandoned is returned by a background write whose Save already
// reported a timeout.
var errWriteAbandoned = errors.New("write abandoned after timeout")

// writeGuard decides whether a background write may still replace the
// document. Once abandoned, the rename is skipped and the temp file dropped.
type writeGuard struct {
	mu        sync.Mutex
	abandoned bool
}

func (g *writeGuard) commit(rename func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.abandoned {
		return errWriteAbandoned
	}
	return rename()
}

// abandon blocks while a rename is in flight. After it returns the document
// is never touched by this write.
func (g *writeGuard) abandon() {
	g.mu.Lock()
	g.abandoned = true
	g.mu.Unlock()
}

// Save writes the document to the primary path atomically. A write that
// times out never reaches the primary path after Save returns, so a later
// Save cannot be overwritten by an older document.
func (p *Persistence) Save(ctx context.Context, doc Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	guard := &writeGuard{}
	err := p.withTimeout(ctx, "write", func() error {
		return writeAtomic(p.Primary, doc, guard)
	})
	if err != nil {
		guard.abandon()
		return apperr.Wrap(apperr.KindPersistenceIO, err, "persist module permissions")
	}
	return nil
}

func writeAtomic(path string, doc Document, guard *writeGuard) error {
	// 1. Convert document to JSON bytes
	bytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	// 2. Write to a temporary file next to the target. The name is unique
	// so concurrent writers in other processes never share a temp file.
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(append(bytes, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return err
	}

	// 3. Atomic rename: readers see the old document or the new one, never a torn one.
	return guard.commit(func() error { return os.Rename(tmpPath, path) })
}

// LoadResult is the outcome of reading every candidate document.
type LoadResult struct {
	Document Document
	// Sources lists the paths that were read successfully.
	Sources  []string
	Warnings []string
}

// LoadAll reads every candidate path and merges them by union. Missing and
// malformed files contribute nothing but a warning; a document with a newer
// schema fails the whole load with a StaleDocument error.
func (p *Persistence) LoadAll(ctx context.Context) (LoadResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res LoadResult
	err := p.withTimeout(ctx, "read", func() error {
		var docs []Document
		for _, path := range p.Candidates() {
			doc, warnings, err := readDocument(path)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if apperr.IsKind(err, apperr.KindStaleDocument) {
				return fmt.Errorf("%s: %w", path, err)
			}
			if err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: ignored: %v", path, err))
				continue
			}
			for _, w := range warnings {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", path, w))
			}
			res.Sources = append(res.Sources, path)
			docs = append(docs, doc)
		}
		if len(res.Sources) == 0 {
			res.Warnings = append(res.Warnings, "no readable mapping document found; starting empty")
		}
		res.Document = mergeDocuments(docs)
		return nil
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindStaleDocument) {
			return LoadResult{}, err
		}
		return LoadResult{}, apperr.Wrap(apperr.KindPersistenceIO, err, "load module permissions")
	}
	return res, nil
}

// ReadSeq returns the sequence number of the primary document, or 0 when
// it does not exist.
func (p *Persistence) ReadSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := p.withTimeout(ctx, "read", func() error {
		doc, _, err := readDocument(p.Primary)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		seq = doc.Meta.Seq
		return nil
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindStaleDocument) {
			return 0, err
		}
		return 0, apperr.Wrap(apperr.KindPersistenceIO, err, "read document header")
	}
	return seq, nil
}

func readDocument(path string) (Document, []string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Document{}, nil, err
	}
	return decodeDocument(content)
}
