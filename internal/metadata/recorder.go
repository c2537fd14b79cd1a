// Package metadata records and replays the ownership/permission ledger of
// the data roots, and fingerprints the host a snapshot was taken on.
package metadata

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"

	"rewind/internal/ignore"
	"rewind/internal/rewind"
)

// Recorder implements rewind.Recorder on the local filesystem.
type Recorder struct {
	clock    rewind.Clock
	excludes []string
	logger   rewind.Logger

	users  map[int]string
	groups map[int]string
}

var _ rewind.Recorder = (*Recorder)(nil)

// NewRecorder creates a Recorder. excludes are the same patterns the
// archiver skips, so the ledger never lists entries the archive lacks.
func NewRecorder(clock rewind.Clock, excludes []string, logger rewind.Logger) *Recorder {
	if clock == nil {
		clock = rewind.RealClock{}
	}
	if logger == nil {
		logger = rewind.NewNopLogger()
	}
	return &Recorder{
		clock:    clock,
		excludes: excludes,
		logger:   logger,
		users:    map[int]string{},
		groups:   map[int]string{},
	}
}

// Record walks every root without following symlinks and lists each entry
// with its numeric owner, resolved names and mode.
func (r *Recorder) Record(roots []string) (*rewind.MetadataRecord, error) {
	rec := &rewind.MetadataRecord{
		CapturedAt:  r.clock.Now().UTC(),
		Fingerprint: r.Fingerprint(),
	}
	for _, root := range roots {
		root = filepath.Clean(root)
		if !filepath.IsAbs(root) {
			return nil, fmt.Errorf("data root %q is not absolute", root)
		}
		m, err := ignore.ForRoot(root, r.excludes)
		if err != nil {
			return nil, err
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			if rel, _ := filepath.Rel(root, path); m.Match(rel, d.IsDir()) {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", path, err)
			}
			uid, gid, err := owner(info)
			if err != nil {
				return err
			}
			rec.Entries = append(rec.Entries, rewind.PathPermission{
				Path:  path,
				UID:   uid,
				GID:   gid,
				Owner: r.userName(uid),
				Group: r.groupName(gid),
				Mode:  info.Mode(),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("recording %s: %w", root, err)
		}
		rec.Roots = append(rec.Roots, root)
	}
	r.logger.Debug("metadata recorded", "roots", len(rec.Roots), "entries", len(rec.Entries))
	return rec, nil
}

// Replay re-applies owner and mode to every recorded entry, deepest first so
// restrictive directory modes never block their children. Entries absent on
// disk are reported as missing; per-entry failures never stop the replay.
func (r *Recorder) Replay(rec *rewind.MetadataRecord, mapping rewind.RootMapping) *rewind.ReplayReport {
	report := &rewind.ReplayReport{}
	if rec == nil {
		return report
	}
	for i := len(rec.Entries) - 1; i >= 0; i-- {
		e := rec.Entries[i]
		p := e.Path
		if len(mapping) > 0 {
			p = mapping.Map(filepath.Clean(p))
		}

		info, err := os.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			report.Missing = append(report.Missing, p)
			continue
		}
		if err != nil {
			report.Failed = append(report.Failed, rewind.ReplayFailure{Path: p, Err: err})
			continue
		}
		if info.Mode().Type() != e.Mode.Type() {
			report.Failed = append(report.Failed, rewind.ReplayFailure{
				Path: p,
				Err:  fmt.Errorf("type changed from %v to %v", e.Mode.Type(), info.Mode().Type()),
			})
			continue
		}
		if err := apply(p, e); err != nil {
			report.Failed = append(report.Failed, rewind.ReplayFailure{Path: p, Err: err})
			continue
		}
		report.Applied++
	}
	if !report.Clean() {
		r.logger.Warn("metadata replay incomplete", "missing", len(report.Missing), "failed", len(report.Failed))
	}
	return report
}

// apply sets owner before mode; chown clears setuid and setgid bits.
func apply(p string, e rewind.PathPermission) error {
	if err := os.Lchown(p, e.UID, e.GID); err != nil {
		return err
	}
	if e.Mode&fs.ModeSymlink != 0 {
		return nil
	}
	return os.Chmod(p, e.Mode&(fs.ModePerm|fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky))
}

// CompareFingerprint returns nil when rec was taken on this architecture or
// predates architecture recording.
func (r *Recorder) CompareFingerprint(rec *rewind.MetadataRecord) *rewind.ArchMismatch {
	if rec == nil || rec.Fingerprint.Architecture == "" {
		return nil
	}
	current := runtime.GOARCH
	if rec.Fingerprint.Architecture == current {
		return nil
	}
	return &rewind.ArchMismatch{Recorded: rec.Fingerprint.Architecture, Current: current}
}

// Fingerprint describes this host.
func (r *Recorder) Fingerprint() rewind.Fingerprint {
	fp := rewind.Fingerprint{
		Architecture: runtime.GOARCH,
		OS:           runtime.GOOS,
	}
	fp.Hostname, _ = os.Hostname()
	var u unix.Utsname
	if err := unix.Uname(&u); err == nil {
		fp.Kernel = unix.ByteSliceToString(u.Release[:])
		if fp.Hostname == "" {
			fp.Hostname = unix.ByteSliceToString(u.Nodename[:])
		}
	}
	return fp
}

func (r *Recorder) userName(uid int) string {
	if name, ok := r.users[uid]; ok {
		return name
	}
	var name string
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		name = u.Username
	}
	r.users[uid] = name
	return name
}

func (r *Recorder) groupName(gid int) string {
	if name, ok := r.groups[gid]; ok {
		return name
	}
	var name string
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		name = g.Name
	}
	r.groups[gid] = name
	return name
}
