package rewind

import (
	"context"
	"io"
	"time"
)

// Archiver builds and extracts snapshot archives.
type Archiver interface {
	// Create packages roots and side files into a compressed archive at dest.
	// The archive is written under a temporary name and renamed on success.
	Create(ctx context.Context, dest string, roots []string, side []SideFile) (*ArchiveRef, error)

	// ReadSideFiles returns the side files stored at the archive root,
	// keyed by name, without reading the rest of the archive.
	ReadSideFiles(ctx context.Context, path string) (map[string][]byte, error)

	// Verify reads the whole archive, checking framing and checksums.
	Verify(ctx context.Context, path string) error

	// Extract restores the archived trees below destRoot. Any entry that
	// cannot be created fails the whole extraction.
	Extract(ctx context.Context, path string, destRoot string, opts ExtractOptions) (*ExtractedTree, error)
}

// Recorder captures and replays the ownership/permission ledger.
type Recorder interface {
	Record(roots []string) (*MetadataRecord, error)
	Replay(rec *MetadataRecord, mapping RootMapping) *ReplayReport
	CompareFingerprint(rec *MetadataRecord) *ArchMismatch
	Fingerprint() Fingerprint
}

// SnapshotRecord is the catalog row describing a snapshot.
type SnapshotRecord struct {
	ID           string
	ArchivePath  string
	Size         int64
	CreatedAt    time.Time
	StackCount   int
	PartialCount int
	Architecture string
	Hostname     string
	Encrypted    bool
	Kind         string
	PrunedAt     *time.Time
}

// Snapshot kinds.
const (
	KindScheduled = "backup"
	KindRollback  = "rollback"
)

// OperationRecord is one row of operation history.
type OperationRecord struct {
	ID         int64
	RunID      string
	Operation  string
	Parameters string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Summary    string
}

// Catalog indexes snapshots and records operation history.
type Catalog interface {
	RecordSnapshot(s *SnapshotRecord) error
	// FindSnapshot returns nil, nil when the id is unknown.
	FindSnapshot(id string) (*SnapshotRecord, error)
	ListSnapshots() ([]*SnapshotRecord, error)
	MarkPruned(id string, at time.Time) error

	StartOperation(runID, operation, parameters string, at time.Time) (int64, error)
	FinishOperation(id int64, status, summary string, at time.Time) error
	ListOperations(limit int) ([]*OperationRecord, error)

	Close() error
}

// Vault is an optional offsite copy of snapshot archives.
type Vault interface {
	PutArchive(ctx context.Context, name string, r io.Reader, size int64) error
	GetArchive(ctx context.Context, name string, w io.Writer) error
	DeleteArchive(ctx context.Context, name string) error
	ListArchives(ctx context.Context) ([]string, error)
	ValidateSetup(ctx context.Context) error
}

// Encryptor wraps archive streams with public-key encryption.
// Encryption needs only the public key; decryption needs Unlock.
type Encryptor interface {
	// Setup generates the key pair, protecting the private key with passphrase.
	Setup(passphrase string) error

	// EncryptWriter returns a writer whose output to w is encrypted.
	// Close must be called to flush the final chunk.
	EncryptWriter(w io.Writer) (io.WriteCloser, error)

	// Unlock decrypts the private key for the duration of a restore.
	Unlock(passphrase string) (DecryptionContext, error)

	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	DecryptReader(r io.Reader) (io.Reader, error)
}

// Prompter asks the operator for confirmation. Implementations must return
// the safe answer (false) when nobody answers within their timeout.
type Prompter interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// Locker is an exclusive cross-process lock.
type Locker interface {
	TryLock() (bool, error)
	Unlock() error
}
