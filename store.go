package mvstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/mvstore/internal/btree"
	"github.com/hupe1980/mvstore/internal/cache"
	"github.com/hupe1980/mvstore/internal/chunk"
	"github.com/hupe1980/mvstore/internal/filestore"
	vfs "github.com/hupe1980/mvstore/internal/fs"
	"github.com/hupe1980/mvstore/internal/resource"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

const (
	stateOpen int32 = iota
	stateClosing
	stateClosed
)

// layoutMapID is the id of the map holding chunk, root and map metadata.
const layoutMapID = 0

// storeMap is the type-independent view of a map the store needs to commit,
// roll back, compact and drop it.
type storeMap interface {
	ID() int
	Name() string
	Close()
	IsClosed() bool
	Size() int64
	HasUnsavedChanges() bool
	WriteUnsaved(w *btree.PageWriter) (uint64, error)
	RollbackTo(storeVersion int64) error
	TrimVersions(oldest int64)
	Rewrite(pred func(pos uint64) bool) (int, error)
	RemoveAllPages() error
}

type removedPage struct {
	pos     uint64
	version int64
}

// Store is a versioned key-value store persisted in a single file. It holds
// any number of named maps that are committed together.
type Store struct {
	cfg     Config
	opts    options
	logger  *Logger
	path    string
	regPath string

	file   *filestore.FileStore
	chunks *chunk.Registry
	cache  *cache.Cache[any]
	loads  singleflight.Group
	rc     *resource.Controller

	// commitMu serializes commits, compaction, rollback and map creation
	// and removal. It is taken before mapsMu.
	commitMu sync.Mutex
	mapsMu   sync.RWMutex
	maps     map[int]storeMap
	layout   *btree.Map[string, string]

	// versionMu orders root publications against version advances.
	versionMu      sync.RWMutex
	currentVersion atomic.Int64
	lastCommitted  atomic.Int64
	lastMapID      int
	created        int64
	headerSlot     int
	unsaved        atomic.Int64

	removedMu sync.Mutex
	removed   []removedPage

	// dirty holds chunks whose metadata is not in the layout yet.
	dirty map[int]bool
	// retired holds chunks dropped from the layout whose blocks are freed
	// after the next header write.
	retired []*chunk.Chunk
	// compacting lets the final compaction of Close rewrite maps.
	compacting atomic.Bool
	// loading is set while readStore resolves chunks from the layout.
	// resolving holds the chunks being resolved; only the opening goroutine
	// touches it.
	loading   atomic.Bool
	resolving []int

	usageMu sync.Mutex
	usage   map[int64]int

	state     atomic.Int32
	failure   atomic.Pointer[error]
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens or creates the store file cfg.FileName.
func Open(cfg Config, optFns ...Option) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(optFns)
	path := cfg.FileName
	logger := o.logger.WithPath(path)

	if err := checkLegacy(o.fsys, path); err != nil {
		logger.LogOpen(0, 0, 0, err)
		return nil, err
	}

	regPath, err := registerPath(path)
	if err != nil {
		logger.LogOpen(0, 0, 0, err)
		return nil, err
	}

	s, err := open(cfg, o, logger, regPath)
	if err != nil {
		unregisterPath(regPath)
		logger.LogOpen(0, 0, 0, err)
		return nil, err
	}
	logger.LogOpen(s.lastCommitted.Load(), s.chunks.Len(), s.file.Size(), nil)
	return s, nil
}

// checkLegacy rejects a path whose store exists only in the legacy format.
func checkLegacy(fsys vfs.FileSystem, path string) error {
	legacy := strings.TrimSuffix(path, FileSuffix) + legacySuffix
	if legacy == path {
		return nil
	}
	for _, p := range []string{path, legacy} {
		exists, err := fsys.Exists(p)
		switch {
		case err != nil:
			return &storeerr.Error{Op: "open", Path: p, Pos: -1, ChunkID: storeerr.NoChunk, Err: storeerr.IO(err)}
		case p == path && exists:
			return nil
		case p == legacy && exists:
			return &storeerr.Error{Op: "open", Path: legacy, Pos: -1, ChunkID: storeerr.NoChunk, Err: storeerr.ErrUnsupportedFormat}
		}
	}
	return nil
}

func open(cfg Config, o options, logger *Logger, regPath string) (*Store, error) {
	path := cfg.FileName
	if !cfg.ReadOnly {
		if err := cleanupCompaction(o.fsys, path, logger); err != nil {
			return nil, err
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := o.fsys.MkdirAll(dir); err != nil {
				return nil, &storeerr.Error{Op: "open", Path: path, Pos: -1, ChunkID: storeerr.NoChunk, Err: storeerr.IO(err)}
			}
		}
	}

	file, err := filestore.Open(o.fsys, path, cfg.ReadOnly)
	if err != nil {
		return nil, err
	}

	rc := o.rc
	if rc == nil {
		rc = resource.NewController(resource.Config{AutoCommitMemory: cfg.AutoCommitBufferSize})
	}
	cc := cache.DefaultConfig(cfg.CacheSize)
	cc.SegmentCount = cfg.CacheConcurrency

	s := &Store{
		cfg:     cfg,
		opts:    o,
		logger:  logger,
		path:    path,
		regPath: regPath,
		file:    file,
		chunks:  chunk.NewRegistry(),
		cache:   cache.New[any](cc),
		rc:      rc,
		maps:    make(map[int]storeMap),
		dirty:   make(map[int]bool),
		usage:   make(map[int64]int),
		closeCh: make(chan struct{}),
	}
	s.layout = btree.New[string, string](layoutMapID, "", btree.StringType{}, btree.StringType{}, s.pages(), s.treeConfig())

	if file.Size() == 0 {
		err = s.initialize()
	} else {
		err = s.readStore()
	}
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	if !cfg.ReadOnly && cfg.AutoCommitDelay > 0 {
		s.wg.Add(1)
		goSafe(logger, s.runBackgroundWriter)
	}
	return s, nil
}

func (s *Store) pages() *pageStore { return (*pageStore)(s) }

func (s *Store) treeConfig() btree.Config {
	cfg := btree.DefaultConfig()
	cfg.KeysPerPage = s.cfg.KeysPerPage
	cfg.PageSplitSize = s.cfg.PageSplitSize
	return cfg
}

// now returns the milliseconds since the store was created.
func (s *Store) now() int64 {
	return max(s.opts.clock().UnixMilli()-s.created, 0)
}

// initialize writes both store headers of an empty file.
func (s *Store) initialize() error {
	s.created = s.opts.clock().UnixMilli()
	s.currentVersion.Store(1)
	if s.cfg.ReadOnly {
		return nil
	}
	h := chunk.StoreHeader{Created: s.created, Format: chunk.FormatWrite}
	b := h.Bytes()
	for slot := range 2 {
		if err := s.file.WriteFully(int64(slot)*filestore.BlockSize, b); err != nil {
			return err
		}
	}
	return s.file.Sync()
}

// readStore finds the newest valid chunk and loads the layout from it.
func (s *Store) readStore() error {
	var (
		best  *chunk.Chunk
		found bool
	)
	for slot := range 2 {
		pos := int64(slot) * filestore.BlockSize
		if pos+filestore.BlockSize > s.file.Size() {
			continue
		}
		buf, err := s.file.ReadFully(pos, filestore.BlockSize)
		if err != nil {
			return err
		}
		h, err := chunk.ParseStoreHeader(buf)
		if errors.Is(err, storeerr.ErrUnsupportedFormat) {
			return &storeerr.Error{Op: "read header", Path: s.path, Pos: pos, ChunkID: storeerr.NoChunk, Err: err}
		}
		if err != nil {
			s.logger.Warn("invalid store header", "slot", slot, "error", err)
			continue
		}
		if !found || h.Created < s.created {
			s.created = h.Created
		}
		found = true
		if h.Chunk == 0 {
			if best == nil {
				s.headerSlot = slot
			}
			continue
		}
		c, err := s.readChunkHeader(h.Block)
		if err != nil || c.ID != h.Chunk || c.Version != h.Version {
			s.logger.Warn("store header points to an invalid chunk", "slot", slot, "chunk", h.Chunk, "error", err)
			continue
		}
		if best == nil || c.Version > best.Version {
			best = c
			s.headerSlot = slot
		}
	}
	if !found {
		return &storeerr.Error{Op: "open", Path: s.path, Pos: 0, ChunkID: storeerr.NoChunk, Err: storeerr.Corrupt("no valid store header")}
	}
	if best == nil {
		s.currentVersion.Store(1)
		return nil
	}

	headerChunk := best.ID
	for {
		next, err := s.readChunkHeader(best.Next)
		if err != nil || next.ID <= best.ID || next.Version <= best.Version {
			break
		}
		best = next
	}
	if best.ID != headerChunk {
		s.logger.LogRecovery(headerChunk, best.ID, int64(best.Version))
	}

	if err := s.chunks.Register(best); err != nil {
		return err
	}
	free := s.file.FreeSpace()
	free.MarkUsed(best.Block, best.Len)
	version := int64(best.Version)
	s.lastCommitted.Store(version)
	s.currentVersion.Store(version + 1)
	s.lastMapID = best.MapID

	s.loading.Store(true)
	defer s.loading.Store(false)
	if err := s.layout.SetRoot(best.LayoutRoot, version); err != nil {
		return err
	}
	from := chunk.MetaKey(0)[:len("chunk.")]
	cur := s.layout.Cursor(&from)
	for cur.Next() {
		if !strings.HasPrefix(cur.Key(), from) {
			break
		}
		c, err := chunk.Parse(cur.Value())
		if err != nil {
			return &storeerr.Error{Op: "read layout", Path: s.path, Pos: -1, ChunkID: storeerr.NoChunk, Err: err}
		}
		if c.ID == best.ID {
			continue
		}
		if _, ok := s.chunks.Lookup(c.ID); ok {
			continue
		}
		if err := s.chunks.Register(c); err != nil {
			return err
		}
		free.MarkUsed(c.Block, c.Len)
	}
	if err := cur.Err(); err != nil {
		return err
	}
	s.dirty[best.ID] = true
	return nil
}

// readChunkHeader reads and validates the chunk starting at block.
func (s *Store) readChunkHeader(block uint64) (*chunk.Chunk, error) {
	fail := func(err error) error {
		return &storeerr.Error{Op: "read chunk", Path: s.path, Pos: int64(block) * filestore.BlockSize, ChunkID: storeerr.NoChunk, Err: err}
	}
	size := s.file.Size()
	start := int64(block) * filestore.BlockSize
	if block < filestore.ReservedBlocks || start+chunk.HeaderLength > size {
		return nil, fail(storeerr.Corrupt("block %d out of range", block))
	}
	buf, err := s.file.ReadFully(start, int(min(chunk.MaxHeaderLength, size-start)))
	if err != nil {
		return nil, err
	}
	c, err := chunk.ParseHeader(buf)
	if err != nil {
		return nil, fail(err)
	}
	if c.Block != block || c.Len == 0 || c.FooterPos()+chunk.FooterLength > size {
		return nil, fail(storeerr.Corrupt("chunk %d does not fit at block %d", c.ID, block))
	}
	buf, err = s.file.ReadFully(c.FooterPos(), chunk.FooterLength)
	if err != nil {
		return nil, err
	}
	f, err := chunk.ParseFooter(buf)
	if err != nil {
		return nil, fail(err)
	}
	if !f.Matches(c) {
		return nil, fail(storeerr.Corrupt("footer of chunk %d does not match", c.ID))
	}
	return c, nil
}

// FileName returns the path of the store file.
func (s *Store) FileName() string { return s.path }

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// CurrentVersion returns the version the next commit will write.
func (s *Store) CurrentVersion() int64 { return s.currentVersion.Load() }

// LastCommittedVersion returns the version of the newest chunk, 0 if none.
func (s *Store) LastCommittedVersion() int64 { return s.lastCommitted.Load() }

// IsClosed reports whether the store was closed or failed.
func (s *Store) IsClosed() bool { return s.state.Load() != stateOpen }

// IsReadOnly reports whether the store was opened read-only.
func (s *Store) IsReadOnly() bool { return s.cfg.ReadOnly }

// SetCacheSize changes the page cache budget in bytes.
func (s *Store) SetCacheSize(bytes int64) { s.cache.SetMaxMemory(bytes) }

func (s *Store) checkOpen(op string) error {
	if s.state.Load() == stateOpen {
		return nil
	}
	return s.closedError(op)
}

func (s *Store) checkWritable(op string) error {
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if s.cfg.ReadOnly {
		return &storeerr.Error{Op: op, Path: s.path, Pos: -1, ChunkID: storeerr.NoChunk, Err: storeerr.ErrReadOnly}
	}
	return nil
}

func (s *Store) closedError(op string) error {
	err := storeerr.ErrClosed
	if cause := s.failure.Load(); cause != nil {
		err = fmt.Errorf("%w: %w", storeerr.ErrClosed, *cause)
	}
	return &storeerr.Error{Op: op, Path: s.path, Pos: -1, ChunkID: storeerr.NoChunk, Err: err}
}

// fail closes the store after an unrecoverable commit error. In-memory
// changes that were not committed are lost; the file keeps the last
// committed version.
func (s *Store) fail(err error) {
	s.failure.CompareAndSwap(nil, &err)
	if !s.state.CompareAndSwap(stateOpen, stateClosed) && !s.state.CompareAndSwap(stateClosing, stateClosed) {
		return
	}
	s.logger.Error("store failed", "error", err)
	s.stopBackground()
	s.closeMaps()
	_ = s.file.Close()
	unregisterPath(s.regPath)
}

func (s *Store) stopBackground() {
	s.closeOnce.Do(func() { close(s.closeCh) })
}

func (s *Store) closeMaps() {
	s.mapsMu.Lock()
	defer s.mapsMu.Unlock()
	for _, m := range s.maps {
		m.Close()
	}
	s.layout.Close()
}

// Close commits pending changes, optionally compacts, and releases the file.
// Closing a closed store is a no-op.
func (s *Store) Close() error {
	s.stopBackground()
	s.wg.Wait()
	if !s.state.CompareAndSwap(stateOpen, stateClosing) {
		return nil
	}

	var errs []error
	if !s.cfg.ReadOnly {
		s.commitMu.Lock()
		_, err := s.commitLocked()
		s.commitMu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
		if len(errs) == 0 && s.cfg.MaxCompactTime > 0 {
			if err := s.compactOnClose(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) == 0 {
			s.commitMu.Lock()
			s.freeRetired()
			s.commitMu.Unlock()
			if _, err := s.file.ShrinkIfPossible(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if !s.state.CompareAndSwap(stateClosing, stateClosed) {
		// A failed commit already released everything.
		return errors.Join(errs...)
	}
	s.closeMaps()
	if err := s.file.Close(); err != nil {
		errs = append(errs, err)
	}
	unregisterPath(s.regPath)
	s.logger.Info("store closed", "version", s.lastCommitted.Load())
	return errors.Join(errs...)
}

// compactOnClose compacts until nothing is left below the fill rate or
// MaxCompactTime passed.
func (s *Store) compactOnClose() error {
	s.compacting.Store(true)
	defer s.compacting.Store(false)
	deadline := s.opts.clock().Add(s.cfg.MaxCompactTime)
	target := s.cfg.AutoCompactFillRate
	if target <= 0 {
		target = DefaultConfig("").AutoCompactFillRate
	}
	for s.opts.clock().Before(deadline) {
		done, err := s.compact(target, compactWriteBytes)
		if err != nil || !done {
			return err
		}
	}
	return nil
}

var openPaths struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

// registerPath claims path for this process.
func registerPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	openPaths.mu.Lock()
	defer openPaths.mu.Unlock()
	if _, ok := openPaths.paths[abs]; ok {
		return "", &storeerr.Error{Op: "open", Path: path, Pos: -1, ChunkID: storeerr.NoChunk, Err: fmt.Errorf("%w: already open in this process", storeerr.ErrFileLocked)}
	}
	if openPaths.paths == nil {
		openPaths.paths = make(map[string]struct{})
	}
	openPaths.paths[abs] = struct{}{}
	return abs, nil
}

func unregisterPath(abs string) {
	openPaths.mu.Lock()
	defer openPaths.mu.Unlock()
	delete(openPaths.paths, abs)
	if len(openPaths.paths) == 0 {
		openPaths.paths = nil
	}
}

// hexPos formats a page position or map id for the layout map.
func hexPos(pos uint64) string { return strconv.FormatUint(pos, 16) }

func parseHexPos(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, storeerr.Metadata("invalid hex value %q", s)
	}
	return v, nil
}

// goSafe runs fn in a goroutine and logs a panic instead of crashing the process.
func goSafe(logger *Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in background task", "panic", r)
			}
		}()
		fn()
	}()
}

func (s *Store) since(start time.Time) time.Duration {
	return s.opts.clock().Sub(start)
}
