// Package state persists one daemon record per project root under a
// well-known directory, named by a stable hash of the root path.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	tally "github.com/uber-go/tally/v4"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/raproxy/raproxy/src/raproxy/entity"
	"github.com/raproxy/raproxy/src/raproxy/internal/errors"
	"github.com/raproxy/raproxy/src/raproxy/internal/fs"
	"github.com/raproxy/raproxy/src/raproxy/mapper"
	"github.com/raproxy/raproxy/src/raproxy/model"
)

const _configKeyStateDir = "state.dir"

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Repository is the persisted store of daemon records.
type Repository interface {
	// Lookup returns the live record for root. A record whose pid no
	// longer exists is deleted and reported as absent.
	Lookup(ctx context.Context, root string) (*entity.WorkerRecord, error)
	// Persist atomically writes the record, creating the state directory if needed.
	Persist(ctx context.Context, rec *entity.WorkerRecord) error
	// Remove deletes the record for root. Absence is not an error.
	Remove(ctx context.Context, root string) error
	// RecordPath returns the file path a record for root would occupy.
	RecordPath(root string) string
	// Dir returns the state directory.
	Dir() string
}

// Prober reports whether a pid refers to a live process.
type Prober func(pid int) bool

type repository struct {
	fs     fs.FS
	dir    string
	logger *zap.SugaredLogger
	stats  tally.Scope
	alive  Prober
}

// Params define values to be used by the state repository.
type Params struct {
	fx.In

	Config config.Provider
	FS     fs.FS
	Logger *zap.SugaredLogger
	Stats  tally.Scope
}

// New creates a Repository rooted at the configured state directory,
// defaulting to a raproxy subdirectory of the user cache dir.
func New(p Params) (Repository, error) {
	var dir string
	if err := p.Config.Get(_configKeyStateDir).Populate(&dir); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyStateDir, err)
	}

	if dir == "" {
		cache, err := p.FS.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolving user cache dir: %w", err)
		}
		dir = filepath.Join(cache, "raproxy", "daemons")
	}

	return NewWithDir(p.FS, dir, p.Logger, p.Stats, ProcessAlive), nil
}

// NewWithDir creates a Repository with explicit collaborators.
func NewWithDir(f fs.FS, dir string, logger *zap.SugaredLogger, stats tally.Scope, alive Prober) Repository {
	return &repository{
		fs:     f,
		dir:    dir,
		logger: logger,
		stats:  stats.SubScope("state"),
		alive:  alive,
	}
}

// Lookup returns the live record for root.
func (r *repository) Lookup(ctx context.Context, root string) (*entity.WorkerRecord, error) {
	path := r.RecordPath(root)

	data, err := r.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.stats.Counter("lookup_miss").Inc(1)
			return nil, &errors.RecordNotFoundError{Root: root}
		}
		return nil, fmt.Errorf("reading daemon record: %w", err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		// Unreadable records are treated as absent.
		r.logger.Warnw("removing malformed daemon record", zap.String("path", path), zap.Error(err))
		r.removeFile(path)
		return nil, &errors.RecordNotFoundError{Root: root}
	}

	if !r.alive(rec.Pid) {
		r.logger.Infow("removing stale daemon record", zap.String("root", root), zap.Int("pid", rec.Pid))
		r.stats.Counter("stale_removed").Inc(1)
		r.removeFile(path)
		return nil, &errors.RecordNotFoundError{Root: root}
	}

	return rec, nil
}

// Persist atomically writes the record.
func (r *repository) Persist(ctx context.Context, rec *entity.WorkerRecord) error {
	if rec == nil {
		return errors.New("can't persist nil record")
	}

	if err := r.fs.MkdirAll(r.dir); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	data, err := json.Marshal(mapper.WorkerRecordToModel(rec))
	if err != nil {
		return fmt.Errorf("marshalling daemon record: %w", err)
	}

	if err := r.fs.WriteFile(r.RecordPath(rec.Root), data); err != nil {
		return fmt.Errorf("writing daemon record: %w", err)
	}

	r.stats.Counter("persisted").Inc(1)
	r.logger.Infow("daemon record saved",
		zap.String("root", rec.Root),
		zap.Int("pid", rec.Pid),
		zap.Int("port", rec.Port))
	return nil
}

// Remove deletes the record for root if present.
func (r *repository) Remove(ctx context.Context, root string) error {
	path := r.RecordPath(root)
	if err := r.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing daemon record: %w", err)
	}
	r.stats.Counter("removed").Inc(1)
	return nil
}

// RecordPath returns the record file path for root.
func (r *repository) RecordPath(root string) string {
	return filepath.Join(r.dir, PathHash(root)+".json")
}

// Dir returns the state directory.
func (r *repository) Dir() string {
	return r.dir
}

func (r *repository) removeFile(path string) {
	if err := r.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Warnw("removing daemon record failed", zap.String("path", path), zap.Error(err))
	}
}

func decodeRecord(data []byte) (*entity.WorkerRecord, error) {
	var m model.WorkerRecord
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return mapper.ModelToWorkerRecord(&m)
}

// PathHash returns the stable short hash used to name a root's record file.
func PathHash(root string) string {
	h := fnv.New64a()
	h.Write([]byte(root))
	return fmt.Sprintf("%016x", h.Sum64())
}
