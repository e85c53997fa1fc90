// Package fswatch exposes the regular files under an OS directory as MCP
// resources and keeps them current while the directory changes.
//
// A Source is a registry.Discoverer: each file becomes a discovered resource
// whose URI is the base URI followed by the file's slash-separated path.
// Watch follows the tree with fsnotify. Files that appear or disappear are
// re-synced into the registry, which signals list-changed, and writes to a
// file are reported to subscribers through the Notifier after a per-URI
// debounce.
//
// Reads never leave the root, even through symlinks.
package fswatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/reference"
	"github.com/ggoodman/mcp-runtime-go/registry"
)

// DefaultDebounce is the per-URI update debounce unless WithDebounce says
// otherwise.
const DefaultDebounce = 250 * time.Millisecond

// ErrNotFound is returned when a URI does not name a regular file under the
// root.
var ErrNotFound = errors.New("fswatch: resource not found")

// Notifier receives resource update signals. *protocol.Protocol satisfies it.
type Notifier interface {
	NotifyResourceChanged(ctx context.Context, uri string) error
}

// Source serves the files under one directory.
type Source struct {
	root     string // absolute, symlink-evaluated
	fsys     fs.FS
	baseURI  string
	debounce time.Duration
	log      *slog.Logger

	mu         sync.Mutex
	known      map[string]struct{}
	debouncers map[string]*debouncer
}

// Option configures a Source.
type Option func(*Source)

// WithBaseURI sets the URI prefix, e.g. "file://workspace". Defaults to
// "fs://".
func WithBaseURI(base string) Option {
	return func(s *Source) { s.baseURI = strings.TrimRight(base, "/") }
}

// WithDebounce sets the per-URI update debounce. Zero disables it.
func WithDebounce(d time.Duration) Option {
	return func(s *Source) {
		if d >= 0 {
			s.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.log = l
		}
	}
}

// New builds a Source rooted at dir, which must exist.
func New(dir string, opts ...Option) (*Source, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("fswatch: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("fswatch: %w", err)
	}
	st, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("fswatch: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("fswatch: %s is not a directory", dir)
	}

	s := &Source{
		root:       real,
		fsys:       os.DirFS(real),
		baseURI:    "fs://",
		debounce:   DefaultDebounce,
		log:        slog.New(slog.DiscardHandler),
		known:      make(map[string]struct{}),
		debouncers: make(map[string]*debouncer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Discover implements registry.Discoverer.
func (s *Source) Discover(ctx context.Context) (*registry.DiscoveryState, error) {
	resources, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	state := &registry.DiscoveryState{Resources: make(map[string]*reference.Reference, len(resources))}
	for _, res := range resources {
		state.Resources[res.URI] = &reference.Reference{
			Object:  res,
			Handler: reference.Func(s.Read, reference.Params("uri")),
		}
	}
	return state, nil
}

// Sync rescans the tree into reg. Resources this source registered earlier
// whose files are gone are unregistered.
func (s *Source) Sync(ctx context.Context, reg *registry.Registry) error {
	state, err := s.Discover(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var gone []string
	for uri := range s.known {
		if _, ok := state.Resources[uri]; !ok {
			gone = append(gone, uri)
		}
	}
	s.known = make(map[string]struct{}, len(state.Resources))
	for uri := range state.Resources {
		s.known[uri] = struct{}{}
	}
	s.mu.Unlock()

	for _, uri := range gone {
		if ref, err := reg.Lookup(reference.KindResource, uri); err == nil && !ref.Manual {
			reg.Unregister(reference.KindResource, uri)
		}
	}
	if err := reg.ApplyDiscovery(state, true); err != nil {
		return err
	}
	s.log.DebugContext(ctx, "fswatch.sync", slog.Int("resources", len(state.Resources)), slog.Int("removed", len(gone)))
	return nil
}

// Read returns the contents of the file named by uri.
func (s *Source) Read(uri string) (mcp.ResourceContents, error) {
	real, ok := s.resolve(uri)
	if !ok {
		return mcp.ResourceContents{}, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return mcp.ResourceContents{}, fmt.Errorf("fswatch: read %s: %w", uri, err)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(real)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if utf8.Valid(data) {
		return mcp.ResourceContents{URI: uri, MimeType: mimeType, Text: string(data)}, nil
	}
	return mcp.ResourceContents{URI: uri, MimeType: mimeType, Blob: base64.StdEncoding.EncodeToString(data)}, nil
}

// Watch syncs the tree into reg and then follows it until ctx is done.
func (s *Source) Watch(ctx context.Context, reg *registry.Registry, n Notifier) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fswatch: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	err = filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return w.Add(p)
	})
	if err != nil {
		return fmt.Errorf("fswatch: watch %s: %w", s.root, err)
	}
	if err := s.Sync(ctx, reg); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "fswatch.watch.start", slog.String("root", s.root))

	for {
		select {
		case <-ctx.Done():
			s.stopDebouncers()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, w, ev, reg, n)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.WarnContext(ctx, "fswatch.watch.err", slog.String("err", err.Error()))
		}
	}
}

func (s *Source) handleEvent(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event, reg *registry.Registry, n Notifier) {
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = w.Add(ev.Name)
		}
	}
	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if err := s.Sync(ctx, reg); err != nil {
			s.log.WarnContext(ctx, "fswatch.sync.err", slog.String("err", err.Error()))
		}
	}
	if !ev.Has(fsnotify.Write) {
		return
	}

	rel, err := filepath.Rel(s.root, ev.Name)
	if err != nil || !within(filepath.Join(s.root, rel), s.root) {
		return
	}
	uri := s.relToURI(filepath.ToSlash(rel))
	s.markUpdated(uri, func() {
		if err := n.NotifyResourceChanged(context.WithoutCancel(ctx), uri); err != nil {
			s.log.WarnContext(ctx, "fswatch.notify.err", slog.String("uri", uri), slog.String("err", err.Error()))
		}
	})
}

func (s *Source) scan(ctx context.Context) ([]mcp.Resource, error) {
	var out []mcp.Resource
	err := fs.WalkDir(s.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort listing
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 || !validFSPath(p) {
			return nil
		}
		out = append(out, mcp.Resource{
			URI:      s.relToURI(p),
			Name:     path.Base(p),
			MimeType: mime.TypeByExtension(strings.ToLower(path.Ext(p))),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// resolve maps uri to a symlink-evaluated path of a regular file inside the
// root.
func (s *Source) resolve(uri string) (string, bool) {
	rel, ok := s.uriToRel(uri)
	if !ok || !validFSPath(rel) {
		return "", false
	}
	real, err := filepath.EvalSymlinks(filepath.Join(s.root, filepath.FromSlash(rel)))
	if err != nil || !within(real, s.root) {
		return "", false
	}
	st, err := os.Stat(real)
	if err != nil || !st.Mode().IsRegular() {
		return "", false
	}
	return real, true
}

func validFSPath(p string) bool {
	return fs.ValidPath(p) && !strings.Contains(p, ":")
}

func (s *Source) relToURI(rel string) string {
	segs := strings.Split(rel, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return s.baseURI + "/" + strings.Join(segs, "/")
}

func (s *Source) uriToRel(uri string) (string, bool) {
	base := s.baseURI + "/"
	if !strings.HasPrefix(uri, base) {
		return "", false
	}
	segs := strings.Split(strings.TrimPrefix(uri, base), "/")
	for i, seg := range segs {
		dec, err := url.PathUnescape(seg)
		if err != nil {
			return "", false
		}
		segs[i] = dec
	}
	rel := path.Clean(strings.Join(segs, "/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// within reports whether target is root or a descendant of root.
func within(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}

func (s *Source) markUpdated(uri string, fire func()) {
	s.mu.Lock()
	db, ok := s.debouncers[uri]
	if !ok {
		db = &debouncer{interval: s.debounce}
		s.debouncers[uri] = db
	}
	s.mu.Unlock()
	db.trigger(fire)
}

func (s *Source) stopDebouncers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, db := range s.debouncers {
		db.stop()
	}
}

// debouncer collapses bursts of triggers into one call per interval.
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	pending  bool
	interval time.Duration
}

func (d *debouncer) trigger(fire func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.interval <= 0 {
		go fire()
		return
	}
	if d.pending {
		return
	}
	d.pending = true
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		d.pending = false
		d.mu.Unlock()
		fire()
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = false
}
