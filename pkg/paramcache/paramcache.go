// Package paramcache implements the persistent parameter cache: a
// single SQLite file under a per-user cache directory, with one table per
// (algorithm, schema_version), storing the winning tuned parameters
// (including the compiled program binary) keyed by device fingerprint and
// problem fingerprint.
package paramcache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/clogs-go/clogs/internal/clerr"
)

const cacheDirEnv = "CLOGS_CACHE_DIR"
const databaseFileName = "cache.sqlite"

var log = logrus.WithField("component", "paramcache")

// Dir resolves the cache directory: CLOGS_CACHE_DIR overrides; otherwise
// $HOME/.clogs/cache on Unix, or the OS-reported local-appdata directory
// joined with clogs/cache on Windows. Dir does not create the directory;
// Shared creates it if missing, and a failure to create it is not fatal
// there — it surfaces later as a CacheError the first time a write is
// attempted.
func Dir() (string, error) {
	if override := os.Getenv(cacheDirEnv); override != "" {
		return override, nil
	}
	if runtime.GOOS == "windows" {
		base, err := os.UserCacheDir()
		if err != nil {
			return "", clerr.Cache("paramcache: resolving local app data dir: %v", err)
		}
		return filepath.Join(base, "clogs", "cache"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", clerr.Cache("paramcache: resolving $HOME: %v", err)
	}
	return filepath.Join(home, ".clogs", "cache"), nil
}

var (
	sharedOnce sync.Once
	sharedDB   *sql.DB
	sharedErr  error
	sharedMu   sync.Mutex
)

// Shared returns the process-wide cache database connection, opening it
// (and creating the cache directory) on first use. The connection has
// process-wide singleton lifetime; see CloseForTest for explicit teardown
// in tests.
func Shared() (*sql.DB, error) {
	sharedOnce.Do(func() {
		dir, err := Dir()
		if err != nil {
			sharedErr = err
			return
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.WithError(err).Warn("paramcache: could not create cache directory; writes will fail")
		}
		path := filepath.Join(dir, databaseFileName)
		db, err := sql.Open("sqlite3", path)
		if err != nil {
			sharedErr = clerr.Cache("paramcache: opening %s: %v", path, err)
			return
		}
		db.SetMaxOpenConns(1) // writers are serialized by the store itself
		sharedDB = db
	})
	sharedMu.Lock()
	defer sharedMu.Unlock()
	return sharedDB, sharedErr
}

// CloseForTest tears down and resets the shared singleton so tests (or a
// process-exit hook) can start clean, per DESIGN NOTES' explicit teardown
// entry point for the lazily-initialized shared resource.
func CloseForTest() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	var err error
	if sharedDB != nil {
		err = sharedDB.Close()
	}
	sharedDB = nil
	sharedErr = nil
	sharedOnce = sync.Once{}
	return err
}

func tableName(algorithm string, schemaVersion int) string {
	return fmt.Sprintf("%s_v%d", algorithm, schemaVersion)
}
