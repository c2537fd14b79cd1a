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

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sys/unix"

	"rewind/internal/rewind"
)

// open returns a tar reader over the archive at path, decrypting when the
// name says the archive is encrypted. The returned closer releases the file.
func (a *Archiver) open(path string) (*tar.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening archive: %w", err)
	}

	var src io.Reader = f
	if strings.HasSuffix(path, rewind.EncryptedArchiveExt) {
		dctx, err := a.decryption()
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		if src, err = dctx.DecryptReader(f); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("decrypting archive: %w", err)
		}
	}
	zr, err := gzip.NewReader(src)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("reading compressed stream: %w", err)
	}
	return tar.NewReader(zr), f, nil
}

func (a *Archiver) decryption() (rewind.DecryptionContext, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dctx != nil {
		return a.dctx, nil
	}
	if a.unlock == nil {
		return nil, errors.New("archive is encrypted but no decryption key is configured")
	}
	dctx, err := a.unlock()
	if err != nil {
		return nil, fmt.Errorf("unlocking decryption key: %w", err)
	}
	a.dctx = dctx
	return dctx, nil
}

// isSideFile reports whether a header is one of the files stored at the
// archive root rather than part of a data root.
func isSideFile(hdr *tar.Header) bool {
	return hdr.Typeflag == tar.TypeReg && !strings.Contains(hdr.Name, "/")
}

// ReadSideFiles reads the leading side files and stops at the first data
// entry, so it is cheap even for large archives.
func (a *Archiver) ReadSideFiles(ctx context.Context, path string) (map[string][]byte, error) {
	tr, closer, err := a.open(path)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	side := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		if !isSideFile(hdr) {
			break
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", hdr.Name, err)
		}
		side[hdr.Name] = data
	}
	return side, nil
}

// Verify reads the whole archive. Truncation and corruption surface as
// framing or gzip checksum errors.
func (a *Archiver) Verify(ctx context.Context, path string) error {
	tr, closer, err := a.open(path)
	if err != nil {
		return err
	}
	defer closer.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return fmt.Errorf("reading %s: %w", hdr.Name, err)
		}
	}
}

// Extract restores every data entry below destRoot. Entries are created
// with explicit modes independent of the process umask; ownership is
// restored when opts.SameOwner is set. Directory metadata is applied after
// all entries so restrictive modes never block writing children.
func (a *Archiver) Extract(ctx context.Context, path string, destRoot string, opts rewind.ExtractOptions) (*rewind.ExtractedTree, error) {
	tr, closer, err := a.open(path)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	x := &extractor{root: filepath.Clean(destRoot), opts: opts}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		if isSideFile(hdr) {
			continue
		}
		if err := x.entry(hdr, tr); err != nil {
			return nil, fmt.Errorf("extracting %s: %w", hdr.Name, err)
		}
	}
	if err := x.finishDirs(); err != nil {
		return nil, err
	}
	return &rewind.ExtractedTree{Root: x.root, Entries: x.count}, nil
}

type extractor struct {
	root  string
	opts  rewind.ExtractOptions
	dirs  []*tar.Header
	paths []string
	count int
}

// target maps an archive name to its destination path, refusing names that
// would land outside the destination root.
func (x *extractor) target(name string) (string, error) {
	abs := "/" + strings.TrimSuffix(name, "/")
	if len(x.opts.Mapping) > 0 {
		abs = x.opts.Mapping.Map(filepath.Clean(abs))
	}
	p := filepath.Join(x.root, abs)
	rel, err := filepath.Rel(x.root, p)
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q escapes %s", name, x.root)
	}
	return p, nil
}

func (x *extractor) entry(hdr *tar.Header, r io.Reader) error {
	p, err := x.target(hdr.Name)
	if err != nil {
		return err
	}
	if hdr.Typeflag != tar.TypeDir {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if fi, err := os.Lstat(p); err == nil && !fi.IsDir() {
			if err := os.Remove(p); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(p, 0700); err != nil {
			return err
		}
		x.dirs = append(x.dirs, hdr)
		x.paths = append(x.paths, p)
		x.count++
		return nil

	case tar.TypeReg:
		if err := replaceable(p); err != nil {
			return err
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}

	case tar.TypeSymlink:
		if err := replaceable(p); err != nil {
			return err
		}
		if err := os.Symlink(hdr.Linkname, p); err != nil {
			return err
		}

	case tar.TypeLink:
		old, err := x.target(hdr.Linkname)
		if err != nil {
			return err
		}
		if err := replaceable(p); err != nil {
			return err
		}
		if err := os.Link(old, p); err != nil {
			return err
		}
		x.count++
		return nil

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		if err := replaceable(p); err != nil {
			return err
		}
		mode := uint32(hdr.Mode & 07777)
		switch hdr.Typeflag {
		case tar.TypeChar:
			mode |= unix.S_IFCHR
		case tar.TypeBlock:
			mode |= unix.S_IFBLK
		default:
			mode |= unix.S_IFIFO
		}
		dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
		if err := unix.Mknod(p, mode, int(dev)); err != nil {
			return err
		}

	case tar.TypeXGlobalHeader:
		return nil

	default:
		return fmt.Errorf("unsupported entry type %q", hdr.Typeflag)
	}

	x.count++
	return x.applyMeta(p, hdr)
}

// replaceable removes whatever is at p so the new entry is created fresh
// and never written through an existing symlink.
func replaceable(p string) error {
	fi, err := os.Lstat(p)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return os.RemoveAll(p)
	}
	return os.Remove(p)
}

// applyMeta sets owner, then mode (chown clears setuid bits), then times.
func (x *extractor) applyMeta(p string, hdr *tar.Header) error {
	if x.opts.SameOwner {
		if err := os.Lchown(p, hdr.Uid, hdr.Gid); err != nil {
			return err
		}
	}
	if hdr.Typeflag == tar.TypeSymlink {
		return nil
	}
	if err := os.Chmod(p, hdr.FileInfo().Mode()&(fs.ModePerm|fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky)); err != nil {
		return err
	}
	atime := hdr.AccessTime
	if atime.IsZero() {
		atime = hdr.ModTime
	}
	return os.Chtimes(p, atime, hdr.ModTime)
}

func (x *extractor) finishDirs() error {
	for i := len(x.dirs) - 1; i >= 0; i-- {
		if err := x.applyMeta(x.paths[i], x.dirs[i]); err != nil {
			return fmt.Errorf("extracting %s: %w", x.dirs[i].Name, err)
		}
	}
	return nil
}
