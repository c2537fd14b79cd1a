// Package archive writes and restores snapshot archives: a gzip-compressed
// tar stream, optionally age-encrypted, whose first entries are the side
// files describing the snapshot followed by every data root at its absolute
// path (leading slash stripped).
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"rewind/internal/ignore"
	"rewind/internal/rewind"
)

// UnlockFunc returns the decryption context for encrypted archives. It is
// called at most once per Archiver, when the first encrypted archive is read.
type UnlockFunc func() (rewind.DecryptionContext, error)

// Archiver implements rewind.Archiver on local files.
type Archiver struct {
	encryptor rewind.Encryptor
	unlock    UnlockFunc
	logger    rewind.Logger
	clock     rewind.Clock
	excludes  []string

	mu   sync.Mutex
	dctx rewind.DecryptionContext
}

var _ rewind.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. With a nil encryptor archives are
// written in plaintext; unlock may be nil when no encrypted archive will
// be read.
func NewArchiver(encryptor rewind.Encryptor, unlock UnlockFunc, logger rewind.Logger) *Archiver {
	if logger == nil {
		logger = rewind.NewNopLogger()
	}
	return &Archiver{encryptor: encryptor, unlock: unlock, logger: logger, clock: rewind.RealClock{}}
}

// SetClock sets the clock that stamps side files.
func (a *Archiver) SetClock(c rewind.Clock) {
	a.clock = c
}

// SetExcludes sets patterns excluded below every root, in addition to each
// root's own ignore file.
func (a *Archiver) SetExcludes(patterns []string) {
	a.excludes = patterns
}

// Create writes roots and side files into a new archive at dest. The archive
// is built under a temporary name, synced and renamed, so dest either holds
// a complete archive or does not exist.
func (a *Archiver) Create(ctx context.Context, dest string, roots []string, side []rewind.SideFile) (*rewind.ArchiveRef, error) {
	tmp := dest + rewind.PartialSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	success := false
	defer func() {
		if !success {
			f.Close()
			os.Remove(tmp)
		}
	}()

	var sink io.Writer = f
	var enc io.WriteCloser
	if a.encryptor != nil {
		if enc, err = a.encryptor.EncryptWriter(f); err != nil {
			return nil, fmt.Errorf("starting encryption: %w", err)
		}
		sink = enc
	}
	zw, err := gzip.NewWriterLevel(sink, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("starting compression: %w", err)
	}
	tw := tar.NewWriter(zw)

	now := a.clock.Now()
	for _, s := range side {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     s.Name,
			Mode:     0600,
			Size:     int64(len(s.Content)),
			ModTime:  now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("writing %s: %w", s.Name, err)
		}
		if _, err := tw.Write(s.Content); err != nil {
			return nil, fmt.Errorf("writing %s: %w", s.Name, err)
		}
	}

	w := &treeWriter{tw: tw, skip: tmp, links: map[inode]string{}, excludes: a.excludes, logger: a.logger}
	for _, root := range roots {
		if err := w.addRoot(ctx, root); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finishing tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finishing compression: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("finishing encryption: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("syncing archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return nil, fmt.Errorf("renaming archive: %w", err)
	}
	success = true

	a.logger.Debug("archive created", "path", dest, "entries", w.entries, "changed", w.changed)
	return &rewind.ArchiveRef{Path: dest, Size: info.Size(), Encrypted: a.encryptor != nil}, nil
}

type inode struct {
	dev, ino uint64
}

// treeWriter appends directory trees to a tar stream.
type treeWriter struct {
	tw       *tar.Writer
	skip     string
	links    map[inode]string
	excludes []string
	logger   rewind.Logger
	entries  int
	changed  int
}

func (w *treeWriter) addRoot(ctx context.Context, root string) error {
	if !filepath.IsAbs(root) {
		return fmt.Errorf("data root %q is not absolute", root)
	}
	root = filepath.Clean(root)
	if root == "/" {
		return errors.New("the filesystem root cannot be a data root")
	}
	// A file at the top level would be read back as a side file.
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("reading %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data root %s is not a directory", root)
	}

	m, err := ignore.ForRoot(root, w.excludes)
	if err != nil {
		return err
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == w.skip {
			return nil
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
		return w.add(path, info)
	})
}

func (w *treeWriter) add(path string, info fs.FileInfo) error {
	if info.Mode()&fs.ModeSocket != 0 {
		w.logger.Debug("skipping socket", "path", path)
		return nil
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("reading link %s: %w", path, err)
		}
		link = target
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("header for %s: %w", path, err)
	}
	hdr.Name = strings.TrimPrefix(path, "/")
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Format = tar.FormatPAX

	st, err := extractStatData(info)
	if err != nil {
		return err
	}
	if info.Mode().IsRegular() && st.Nlink > 1 {
		key := inode{st.Dev, st.Ino}
		if first, ok := w.links[key]; ok {
			hdr.Typeflag = tar.TypeLink
			hdr.Linkname = first
			hdr.Size = 0
			w.entries++
			return w.tw.WriteHeader(hdr)
		}
		w.links[key] = hdr.Name
	}

	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", path, err)
	}
	w.entries++
	if !info.Mode().IsRegular() {
		return nil
	}
	return w.copyFile(path, hdr.Size, info, st)
}

// copyFile streams exactly size bytes of path into the archive. A file that
// shrinks while being read is padded with zeros and one that grows is
// truncated, keeping the tar framing intact; either is logged.
func (w *treeWriter) copyFile(path string, size int64, before fs.FileInfo, st *statData) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	n, err := io.Copy(w.tw, io.LimitReader(f, size))
	if err != nil {
		return fmt.Errorf("archiving %s: %w", path, err)
	}
	if n < size {
		if _, err := io.CopyN(w.tw, zeroReader{}, size-n); err != nil {
			return fmt.Errorf("archiving %s: %w", path, err)
		}
	}

	after, err := os.Lstat(path)
	if err != nil {
		return nil
	}
	st2, err := extractStatData(after)
	if err == nil && (n < size || changedDuringRead(before, after, st, st2)) {
		w.changed++
		w.logger.Warn("file changed while archiving", "path", path)
	}
	return nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
