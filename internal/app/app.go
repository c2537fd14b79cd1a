package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"rewind/internal/archive"
	"rewind/internal/catalog"
	"rewind/internal/config"
	"rewind/internal/encryption"
	"rewind/internal/lock"
	"rewind/internal/metadata"
	"rewind/internal/portainer"
	"rewind/internal/prompt"
	"rewind/internal/rewind"
	"rewind/internal/runtime"
	"rewind/internal/vault"
)

// Version is reported in every snapshot's metadata. Set at build time with
// -ldflags "-X rewind/internal/app.Version=...".
var Version = "dev"

// PassphraseEnv, when set, supplies the key passphrase for unattended restores.
const PassphraseEnv = "REWIND_PASSPHRASE"

// Options tune how an App is constructed.
type Options struct {
	// ConfigPath is rewritten after a migration moves the data roots.
	ConfigPath string
	// Parameters are recorded with the operation for the log.
	Parameters string
	Verbose    bool
}

// RewindApp is the application layer between the CLI and the Engine.
// It constructs all dependencies from config, exposes the operations the
// commands run, and releases every resource on Close.
type RewindApp struct {
	cfg        *config.Config
	configPath string
	op         *Operation
	logger     *slog.Logger
	logFile    *os.File

	catalog   *catalog.SQLiteCatalog
	vault     rewind.Vault
	encryptor rewind.Encryptor
	cp        *portainer.Client
	docker    *runtime.Docker
	archiver  *archive.Archiver
	recorder  *metadata.Recorder
	engine    *rewind.Engine

	// passphrase reads the private key passphrase when an encrypted
	// snapshot is first opened.
	passphrase func() ([]byte, error)
}

// NewRewindApp creates a fully wired RewindApp from the given config.
// command identifies the CLI command being run (e.g. "backup", "restore").
// The caller must call Close when done.
func NewRewindApp(ctx context.Context, cfg *config.Config, command string, opts Options) (*RewindApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	op := NewOperation(command, opts.Parameters)
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger, logFile, err := newLogger(cfg.LogDir, op.RunID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	a := &RewindApp{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		op:         op,
		logger:     logger,
		logFile:    logFile,
		passphrase: readPassphrase,
	}
	success := false
	defer func() {
		if !success {
			a.Close()
		}
	}()

	if a.catalog, err = catalog.NewCatalogFromConfig(cfg.Catalog, cfg.HostID); err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	if a.vault, err = vault.NewVaultFromConfig(ctx, cfg.Vault); err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}
	if a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Encryption); err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	if a.cp, err = portainer.NewClientFromConfig(cfg.ControlPlane, log); err != nil {
		return nil, fmt.Errorf("creating control plane client: %w", err)
	}
	if a.docker, err = runtime.NewDockerFromConfig(cfg.Runtime); err != nil {
		return nil, fmt.Errorf("creating runtime client: %w", err)
	}
	locker, err := lock.New(cfg.LockPath)
	if err != nil {
		return nil, fmt.Errorf("creating lock: %w", err)
	}

	a.archiver = archive.NewArchiver(a.encryptor, a.unlock, log)
	a.archiver.SetExcludes(cfg.Exclude)
	clock := rewind.RealClock{}
	a.archiver.SetClock(clock)
	a.recorder = metadata.NewRecorder(clock, cfg.Exclude, log)

	a.engine = rewind.NewEngine(engineOptions(cfg, a.encryptor != nil), rewind.Deps{
		ControlPlane: a.cp,
		Runtime:      a.docker,
		Archiver:     a.archiver,
		Recorder:     a.recorder,
		Catalog:      a.catalog,
		Vault:        a.vault,
		Prompter:     prompt.NewStdio(cfg.Restore.PromptTimeout.Duration),
		Locker:       locker,
		Logger:       log,
		Clock:        clock,
		IDGen:        op,
	})

	logger.Debug("command started", "command", command, "parameters", opts.Parameters, "version", Version)
	success = true
	return a, nil
}

// engineOptions translates the config into explicit engine options.
func engineOptions(cfg *config.Config, encrypted bool) rewind.Options {
	var cpPaths rewind.RootMapping
	if cfg.ControlPlane.DataDir != "" && cfg.ControlPlane.HostDataDir != "" {
		cpPaths = rewind.RootMapping{{From: cfg.ControlPlane.DataDir, To: cfg.ControlPlane.HostDataDir}}
	}
	return rewind.Options{
		DataRoots:         cfg.DataRoots,
		StacksDir:         cfg.StacksDir,
		BackupDir:         cfg.BackupDir,
		CoreStacks:        cfg.CoreStacks,
		ToolVersion:       Version,
		ControlPlanePaths: cpPaths,
		DefaultEndpoint:   cfg.ControlPlane.EndpointID,
		ArchMismatch:      cfg.Restore.ArchMismatch,
		ValidateAttempts:  cfg.Restore.ValidateAttempts,
		ValidateInterval:  cfg.Restore.ValidateInterval.Duration,
		SameOwner:         cfg.Restore.SameOwner,
		Encrypted:         encrypted,
		Retention: rewind.RetentionPolicy{
			KeepCount: cfg.Retention.KeepCount,
			KeepDays:  cfg.Retention.KeepDays,
		},
		AutoPrune: cfg.Retention.AutoPrune,
	}
}

func readPassphrase() ([]byte, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return []byte(p), nil
	}
	return prompt.ReadPassphrase("Key passphrase")
}

// unlock is the archiver's UnlockFunc.
func (a *RewindApp) unlock() (rewind.DecryptionContext, error) {
	if a.encryptor == nil {
		return nil, errors.New("snapshot is encrypted but [encryption] is not configured")
	}
	if !a.encryptor.IsConfigured() {
		return nil, errors.New("snapshot is encrypted but no key pair exists; run 'rewind keys init' or restore the key files")
	}
	pass, err := a.passphrase()
	if err != nil {
		return nil, err
	}
	return a.encryptor.Unlock(string(pass))
}

// RunID returns the ID tagging this invocation's log lines and history row.
func (a *RewindApp) RunID() string {
	return a.op.RunID
}

// Backup takes a new snapshot.
func (a *RewindApp) Backup(ctx context.Context) (*rewind.Report, error) {
	report, err := a.engine.Backup(ctx)
	a.op.Finish(report, err)
	return report, err
}

// Restore reconciles the live system with the selected snapshot. A snapshot
// taken before a migration puts the data back under the old roots, which are
// then written back to the config file.
func (a *RewindApp) Restore(ctx context.Context, req rewind.RestoreRequest) (*rewind.Report, error) {
	report, err := a.engine.Restore(ctx, req)
	a.op.Finish(report, err)
	return report, a.saveRelocated(report, err)
}

// Migrate moves data roots. Once the data has moved the new locations are
// written back to the config file, even when later phases failed, because
// the old paths no longer hold the data.
func (a *RewindApp) Migrate(ctx context.Context, req rewind.MigrateRequest) (*rewind.Report, error) {
	report, err := a.engine.Migrate(ctx, req)
	a.op.Finish(report, err)
	return report, a.saveRelocated(report, err)
}

func (a *RewindApp) saveRelocated(report *rewind.Report, err error) error {
	if report == nil || len(report.Relocated) == 0 {
		return err
	}

	opts := a.engine.Options()
	a.cfg.DataRoots = opts.DataRoots
	a.cfg.StacksDir = opts.StacksDir
	if len(opts.ControlPlanePaths) > 0 {
		a.cfg.ControlPlane.HostDataDir = opts.ControlPlanePaths[0].To
	}
	if a.configPath == "" {
		return err
	}
	if serr := config.Save(a.configPath, a.cfg); serr != nil {
		a.logger.Error("saving relocated data roots failed", "path", a.configPath, "error", serr)
		return errors.Join(err, fmt.Errorf("data moved but config not updated, set data_roots=%s by hand: %w", strings.Join(opts.DataRoots, ","), serr))
	}
	a.logger.Info("config updated", "path", a.configPath, "data_roots", strings.Join(opts.DataRoots, ","))
	return err
}

// Prune applies the retention policy.
func (a *RewindApp) Prune(ctx context.Context) (*rewind.Report, []rewind.ArchiveFile, error) {
	report, removed, err := a.engine.Prune(ctx)
	a.op.Finish(report, err)
	return report, removed, err
}

// SnapshotInfo is one row of the snapshot listing.
type SnapshotInfo struct {
	rewind.ArchiveFile
	Size int64
	// Record is nil for archives the catalog does not know, e.g. copied in by hand.
	Record *rewind.SnapshotRecord
}

// Snapshots lists the local archives, newest first, joined with their
// catalog rows.
func (a *RewindApp) Snapshots() ([]SnapshotInfo, error) {
	files, err := rewind.ListArchives(a.cfg.BackupDir)
	if err != nil {
		return nil, err
	}
	out := make([]SnapshotInfo, 0, len(files))
	for _, f := range files {
		info := SnapshotInfo{ArchiveFile: f}
		if st, err := os.Stat(f.Path); err == nil {
			info.Size = st.Size()
		}
		rec, err := a.catalog.FindSnapshot(f.ID)
		if err != nil {
			return nil, fmt.Errorf("looking up snapshot %s: %w", f.ID, err)
		}
		info.Record = rec
		out = append(out, info)
	}
	return out, nil
}

// Inspect resolves selector and reads the snapshot's side files.
func (a *RewindApp) Inspect(ctx context.Context, selector string) (*rewind.Snapshot, []string, error) {
	f, err := a.engine.ResolveSnapshot(ctx, selector)
	if err != nil {
		return nil, nil, err
	}
	snap, err := a.engine.LoadSnapshot(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	return snap, a.engine.SnapshotStackNames(snap), nil
}

// Fingerprint describes this host the way snapshots record it.
func (a *RewindApp) Fingerprint() rewind.Fingerprint {
	return a.recorder.Fingerprint()
}

// History returns the most recent operations.
func (a *RewindApp) History(limit int) ([]*rewind.OperationRecord, error) {
	return a.catalog.ListOperations(limit)
}

// Close finalizes the operation and closes all resources.
func (a *RewindApp) Close() error {
	var errs []error
	if a.docker != nil {
		if err := a.docker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing runtime client: %w", err))
		}
	}
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing catalog: %w", err))
		}
	}
	if a.logger != nil && a.op.Finished() {
		a.logger.Debug("command finished", "command", a.op.Command, "status", a.op.Status)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}

// InitKeys generates the age key pair used to encrypt snapshots and returns
// the public key. It needs no control plane, so it runs without a full App.
func InitKeys(cfg config.EncryptionConfig, passphrase string) (string, error) {
	if cfg.Type != "age" {
		return "", fmt.Errorf("encryption.type is %q; set it to \"age\" first", cfg.Type)
	}
	enc := encryption.NewAgeEncryptor(cfg)
	if enc.IsConfigured() {
		return "", fmt.Errorf("key pair already exists at %s", cfg.PublicKeyPath)
	}
	if passphrase == "" {
		return "", errors.New("passphrase must not be empty")
	}
	if err := enc.Setup(passphrase); err != nil {
		return "", err
	}
	return enc.Recipient()
}

// ParseMove parses an "old=new" root move.
func ParseMove(s string) (rewind.RootMove, error) {
	from, to, ok := strings.Cut(s, "=")
	if !ok || from == "" || to == "" {
		return rewind.RootMove{}, fmt.Errorf("invalid move %q, want OLD=NEW", s)
	}
	return rewind.RootMove{From: from, To: to}, nil
}
