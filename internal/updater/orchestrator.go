package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vrsandeep/updatekit/internal/archive"
	"github.com/vrsandeep/updatekit/internal/audit"
	"github.com/vrsandeep/updatekit/internal/models"
	"github.com/vrsandeep/updatekit/internal/version"
)

// Paths locates the directories the orchestrator works in. The live
// installation is PluginsDir/<slug>.
type Paths struct {
	PluginsDir string
	BackupDir  string
	TempDir    string
}

// Orchestrator installs releases and restores backups for one package.
type Orchestrator struct {
	slug  string
	paths Paths
	host  Host
	kv    KVStore
	audit *audit.Log

	client          *http.Client
	downloadTimeout time.Duration
	now             func() time.Time
	extract         func(ctx context.Context, archivePath, destDir string) error

	// running serializes install and rollback within the process; the file
	// lock covers other processes.
	running sync.Mutex

	mu        sync.Mutex
	state     State
	observers []StateObserver
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHTTPClient sets the client used to download packages.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Orchestrator) {
		o.client = client
	}
}

// WithDownloadTimeout overrides the package download timeout.
func WithDownloadTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.downloadTimeout = d
	}
}

// WithStateObserver registers fn for state transitions.
func WithStateObserver(fn StateObserver) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, fn)
	}
}

// WithClock replaces the time source used to stamp backups.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator returns an orchestrator for slug. A fatal state recorded
// by an earlier process is restored from kv.
func NewOrchestrator(slug string, paths Paths, host Host, kv KVStore, auditLog *audit.Log, opts ...Option) (*Orchestrator, error) {
	if slug == "" || strings.ContainsAny(slug, `/\`) || slug == "." || slug == ".." {
		return nil, fmt.Errorf("invalid package slug %q", slug)
	}
	if paths.PluginsDir == "" || paths.BackupDir == "" {
		return nil, fmt.Errorf("plugins and backup directories are required")
	}
	if paths.TempDir == "" {
		paths.TempDir = os.TempDir()
	}
	o := &Orchestrator{
		slug:            slug,
		paths:           paths,
		host:            host,
		kv:              kv,
		audit:           auditLog,
		client:          &http.Client{},
		downloadTimeout: DefaultDownloadTimeout,
		now:             time.Now,
		extract:         archive.Extract,
		state:           StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}

	if _, ok, err := kv.Get(FatalStateKey(slug)); err != nil {
		return nil, fmt.Errorf("reading fatal state: %w", err)
	} else if ok {
		log.Printf("Package %s is in a fatal state from a previous rollback failure.", slug)
		o.state = StateFatal
	}
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	observers := append([]StateObserver(nil), o.observers...)
	o.mu.Unlock()

	if from == to {
		return
	}
	for _, fn := range observers {
		fn(from, to)
	}
}

// LiveDir is the directory of the installed package.
func (o *Orchestrator) LiveDir() string {
	return filepath.Join(o.paths.PluginsDir, o.slug)
}

func (o *Orchestrator) lockPath() string {
	return filepath.Join(o.paths.BackupDir, "."+o.slug+"-update.lock")
}

// CurrentBackup returns the persisted backup record, if any.
func (o *Orchestrator) CurrentBackup() (*models.BackupRecord, error) {
	data, ok, err := o.kv.Get(BackupRecordKey(o.slug))
	if err != nil {
		return nil, fmt.Errorf("reading backup record: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var rec models.BackupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, newError(KindBackupInvalid, "load backup", err)
	}
	return &rec, nil
}

// checkGates runs the checks that must pass before anything is touched.
func (o *Orchestrator) checkGates(ctx context.Context) error {
	if !o.host.CanModifyPackages(ctx) {
		return newError(KindAuthorizationDenied, "authorize", nil)
	}
	if !o.host.FileModsAllowed() {
		return newError(KindModificationDisabled, "authorize", nil)
	}
	return nil
}

// acquire takes the in-process guard and the file lock. The returned
// release func must be called exactly once.
func (o *Orchestrator) acquire() (func(), error) {
	if !o.running.TryLock() {
		return nil, newError(KindUpdateInProgress, "lock", nil)
	}
	if err := os.MkdirAll(o.paths.BackupDir, 0o755); err != nil {
		o.running.Unlock()
		return nil, newError(KindLockUnavailable, "lock", err)
	}
	lock, err := tryLock(o.lockPath())
	if errors.Is(err, errLockHeld) {
		o.running.Unlock()
		return nil, newError(KindUpdateInProgress, "lock", nil)
	}
	if err != nil {
		o.running.Unlock()
		return nil, newError(KindLockUnavailable, "lock", err)
	}
	return func() {
		if err := lock.release(); err != nil {
			log.Printf("Failed to release update lock %s: %v", o.lockPath(), err)
		}
		o.running.Unlock()
	}, nil
}

// InstallUpdate replaces the live installation with the package described by
// desc. Gate failures return before any side effect. When the install step
// fails the previous installation is restored from the backup taken just
// before it and the install error is returned; if that restore also fails
// the returned error is fatal and further installs are refused until
// ClearFatal is called.
func (o *Orchestrator) InstallUpdate(ctx context.Context, desc models.ReleaseDescriptor) (err error) {
	if err := o.checkGates(ctx); err != nil {
		return err
	}
	if !desc.HasPackage() {
		return newError(KindMissingPackageURL, "install", fmt.Errorf("release %s has no %s asset", desc.Version(), models.ZipAssetName(o.slug, desc.Version())))
	}
	release, err := o.acquire()
	if err != nil {
		return err
	}
	defer release()

	if o.State() == StateFatal {
		return newError(KindRecoveryRequired, "install", fmt.Errorf("a previous rollback failed; clear the fatal state first"))
	}
	o.setState(StatePermissionChecked)
	o.setState(StateLockAcquired)

	log.Printf("Installing %s %s from %s", o.slug, desc.Version(), desc.ZipAssetURL())
	defer func() {
		if err != nil && !IsFatal(err) {
			o.audit.Append(models.AuditFailure, fmt.Sprintf("Update to %s failed", desc.Version()), map[string]any{
				"target_version": desc.Version(),
				"kind":           string(KindOf(err)),
				"error":          err.Error(),
			})
			log.Printf("Update of %s to %s failed: %v", o.slug, desc.Version(), err)
		}
		if o.State() != StateFatal {
			o.setState(StateIdle)
		}
	}()

	pkg, err := o.download(ctx, desc.ZipAssetURL())
	if err != nil {
		return err
	}
	defer os.Remove(pkg)
	o.setState(StateDownloaded)

	if err := verifyPackage(ctx, pkg, desc.ZipAssetSize()); err != nil {
		return err
	}
	o.setState(StateVerified)

	current, err := o.host.CurrentInstalledVersion()
	if err != nil {
		return newError(KindBackupFailed, "backup", fmt.Errorf("reading installed version: %w", err))
	}
	rec, err := o.backup(ctx, current)
	if err != nil {
		return err
	}
	o.setState(StateBackedUp)

	if installErr := o.installFrom(ctx, pkg); installErr != nil {
		o.setState(StateRollingBack)
		if rbErr := o.restore(ctx, rec); rbErr != nil {
			return o.enterFatal(installErr, rbErr)
		}
		log.Printf("Restored %s %s after failed install.", o.slug, rec.PluginVersion())
		return installErr
	}
	o.setState(StateInstalled)

	o.pruneBackups(rec.BackupPath())
	if err := o.kv.Delete(ReleaseCacheKey(o.slug)); err != nil {
		log.Printf("Failed to clear release cache: %v", err)
	}
	o.audit.Append(models.AuditSuccess, fmt.Sprintf("Updated from %s to %s", rec.PluginVersion(), desc.Version()), map[string]any{
		"previous_version": rec.PluginVersion(),
		"new_version":      desc.Version(),
		"backup_path":      rec.BackupPath(),
	})
	log.Printf("Updated %s from %s to %s", o.slug, rec.PluginVersion(), desc.Version())
	return nil
}

// RollbackToPreviousVersion restores the live installation from the
// persisted backup.
func (o *Orchestrator) RollbackToPreviousVersion(ctx context.Context) error {
	if err := o.checkGates(ctx); err != nil {
		return err
	}
	release, err := o.acquire()
	if err != nil {
		return err
	}
	defer release()

	rec, err := o.CurrentBackup()
	if err != nil {
		return err
	}
	if rec == nil {
		return newError(KindNoBackup, "rollback", nil)
	}
	if err := rec.VerifyIntegrity(ctx); err != nil {
		return newError(KindBackupInvalid, "rollback", err)
	}

	snapshot, err := o.snapshotLive(ctx)
	if err != nil {
		return newError(KindBackupFailed, "snapshot", err)
	}
	if snapshot != "" {
		defer os.Remove(snapshot)
	}

	wasFatal := o.State() == StateFatal
	o.setState(StateRollingBack)
	if err := o.restore(ctx, *rec); err != nil {
		if snapshot == "" {
			return o.enterFatal(nil, err)
		}
		if reErr := o.installFrom(ctx, snapshot); reErr != nil {
			return o.enterFatal(err, reErr)
		}
		if wasFatal {
			o.setState(StateFatal)
		} else {
			o.setState(StateIdle)
		}
		o.audit.Append(models.AuditFailure, fmt.Sprintf("Rollback to %s failed; kept the current installation", rec.PluginVersion()), map[string]any{
			"version": rec.PluginVersion(),
			"kind":    string(KindOf(err)),
			"error":   err.Error(),
		})
		log.Printf("Rollback of %s to %s failed, current installation reinstated: %v", o.slug, rec.PluginVersion(), err)
		return err
	}
	if wasFatal {
		if err := o.kv.Delete(FatalStateKey(o.slug)); err != nil {
			log.Printf("Failed to clear fatal state: %v", err)
		}
	}
	if err := o.kv.Delete(ReleaseCacheKey(o.slug)); err != nil {
		log.Printf("Failed to clear release cache: %v", err)
	}
	o.setState(StateIdle)

	o.audit.Append(models.AuditRollback, fmt.Sprintf("Rolled back to %s", rec.PluginVersion()), map[string]any{
		"version":     rec.PluginVersion(),
		"backup_path": rec.BackupPath(),
	})
	log.Printf("Rolled back %s to %s", o.slug, rec.PluginVersion())
	return nil
}

// ClearFatal acknowledges a failed rollback and allows installs again. The
// caller is expected to have repaired the installation.
func (o *Orchestrator) ClearFatal(ctx context.Context) error {
	if !o.host.CanModifyPackages(ctx) {
		return newError(KindAuthorizationDenied, "clear fatal", nil)
	}
	if err := o.kv.Delete(FatalStateKey(o.slug)); err != nil {
		return fmt.Errorf("clearing fatal state: %w", err)
	}
	if o.State() == StateFatal {
		o.setState(StateIdle)
		log.Printf("Fatal state for %s cleared by operator.", o.slug)
	}
	return nil
}

func (o *Orchestrator) enterFatal(cause, rbErr error) error {
	fatal := rollbackFailure(cause, rbErr)
	o.setState(StateFatal)

	marker, _ := json.Marshal(map[string]any{
		"error":     fatal.Error(),
		"failed_at": o.now().UTC(),
	})
	if err := o.kv.Set(FatalStateKey(o.slug), marker, 0); err != nil {
		log.Printf("Failed to persist fatal state: %v", err)
	}
	o.audit.Append(models.AuditFailure, "Restore after failed update did not complete; manual recovery required", map[string]any{
		"fatal": true,
		"error": fatal.Error(),
	})
	log.Printf("FATAL: %s could not be restored: %v", o.slug, fatal)
	return fatal
}

// backup archives the live directory as {slug}-{current}.zip and persists
// the record.
func (o *Orchestrator) backup(ctx context.Context, current string) (models.BackupRecord, error) {
	current = version.Normalize(current)
	if err := version.Validate(current); err != nil {
		return models.BackupRecord{}, newError(KindBackupFailed, "backup", err)
	}
	final := filepath.Join(o.paths.BackupDir, models.ZipAssetName(o.slug, current))

	tmp, err := os.CreateTemp(o.paths.BackupDir, "."+o.slug+"-backup-*")
	if err != nil {
		return models.BackupRecord{}, newError(KindBackupFailed, "backup", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := archive.Create(ctx, o.LiveDir(), tmpPath); err != nil {
		return models.BackupRecord{}, newError(KindBackupFailed, "backup", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return models.BackupRecord{}, newError(KindBackupFailed, "backup", err)
	}
	info, err := os.Stat(final)
	if err != nil {
		return models.BackupRecord{}, newError(KindBackupFailed, "backup", err)
	}

	abs, err := filepath.Abs(final)
	if err != nil {
		return models.BackupRecord{}, newError(KindBackupFailed, "backup", err)
	}
	rec, err := models.NewBackupRecord(models.BackupFields{
		BackupPath:    abs,
		PluginVersion: current,
		CreatedAt:     o.now(),
		BackupSize:    info.Size(),
	})
	if err != nil {
		return models.BackupRecord{}, newError(KindBackupFailed, "backup", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return models.BackupRecord{}, newError(KindBackupFailed, "backup", err)
	}
	if err := o.kv.Set(BackupRecordKey(o.slug), data, 0); err != nil {
		return models.BackupRecord{}, newError(KindBackupFailed, "backup", err)
	}
	return rec, nil
}

// snapshotLive archives the live directory into the temp dir so a failed
// manual rollback can put it back. It returns "" when there is no live
// directory.
func (o *Orchestrator) snapshotLive(ctx context.Context) (string, error) {
	if info, err := os.Stat(o.LiveDir()); err != nil || !info.IsDir() {
		return "", nil
	}
	if err := os.MkdirAll(o.paths.TempDir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(o.paths.TempDir, o.slug+"-snapshot-*.zip")
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()
	if err := archive.Create(ctx, o.LiveDir(), path); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// installFrom deletes the live directory and extracts archivePath in its
// place. The archive must hold a top-level <slug> directory.
func (o *Orchestrator) installFrom(ctx context.Context, archivePath string) error {
	if err := os.RemoveAll(o.LiveDir()); err != nil {
		return newError(KindExtractionFailed, "remove live directory", err)
	}

	staging, err := os.MkdirTemp(o.paths.PluginsDir, "."+o.slug+"-staging-*")
	if err != nil {
		return newError(KindExtractionFailed, "extract", err)
	}
	defer os.RemoveAll(staging)

	if err := o.extract(ctx, archivePath, staging); err != nil {
		return newError(KindExtractionFailed, "extract", err)
	}
	extracted := filepath.Join(staging, o.slug)
	if info, err := os.Stat(extracted); err != nil || !info.IsDir() {
		return newError(KindPostExtractionDirMissing, "extract", fmt.Errorf("archive has no %s directory", o.slug))
	}
	if err := os.Rename(extracted, o.LiveDir()); err != nil {
		return newError(KindExtractionFailed, "move into place", err)
	}
	if info, err := os.Stat(o.LiveDir()); err != nil || !info.IsDir() {
		return newError(KindPostExtractionDirMissing, "extract", fmt.Errorf("%s missing after extraction", o.LiveDir()))
	}
	return nil
}

// restore verifies rec and reinstalls the live directory from it.
func (o *Orchestrator) restore(ctx context.Context, rec models.BackupRecord) error {
	if err := rec.VerifyIntegrity(ctx); err != nil {
		return newError(KindBackupInvalid, "restore", err)
	}
	if err := o.installFrom(ctx, rec.BackupPath()); err != nil {
		return fmt.Errorf("restoring %s: %w", rec.BackupPath(), err)
	}
	return nil
}

// pruneBackups removes every {slug}-<version>.zip in the backup directory
// except keep.
func (o *Orchestrator) pruneBackups(keep string) {
	entries, err := os.ReadDir(o.paths.BackupDir)
	if err != nil {
		log.Printf("Failed to list backups: %v", err)
		return
	}
	prefix := o.slug + "-"
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".zip") {
			continue
		}
		if !version.IsValidVersion(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".zip")) {
			continue
		}
		path := filepath.Join(o.paths.BackupDir, name)
		if same, _ := sameFile(path, keep); same {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("Failed to remove old backup %s: %v", path, err)
		}
	}
}

func sameFile(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}
