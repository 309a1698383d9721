package executor

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/voidlinux/xbpsgo/archive"
	"github.com/voidlinux/xbpsgo/ostore"
	"github.com/voidlinux/xbpsgo/verify"
	"github.com/voidlinux/xbpsgo/xbpserr"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func removeFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// extractArtifact unpacks artifactPath under rootdir, honoring op's
// noextract set and skipping directory-entry recreation races. Every
// emitted regular file's hash is checked against the manifest recorded in
// op["files"].
func extractArtifact(ctx context.Context, artifactPath, rootdir string, op ostore.Dict) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return xbpserr.Wrap(xbpserr.IO, err, "opening artifact %s", artifactPath)
	}
	defer f.Close()

	it, err := archive.NewIterator(f)
	if err != nil {
		return xbpserr.Wrap(xbpserr.IO, err, "reading artifact %s", artifactPath)
	}

	manifest, _ := op.GetDict("files")
	noextract, _ := op.GetArray("noextract")
	skip := make(map[string]bool, len(noextract))
	for _, v := range noextract {
		if s, ok := v.(string); ok {
			skip[s] = true
		}
	}

	for {
		ent, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return xbpserr.Wrap(xbpserr.IO, err, "extracting %s", artifactPath)
		}
		if skip[ent.Name] {
			continue
		}

		dst := filepath.Join(rootdir, ent.Name)
		if err := writeEntry(dst, ent, manifest); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(dst string, ent *archive.Entry, manifest ostore.Dict) error {
	switch ent.Typeflag {
	case '5': // tar.TypeDir
		return os.MkdirAll(dst, os.FileMode(ent.Mode))
	case '2': // tar.TypeSymlink
		os.Remove(dst)
		return os.Symlink(ent.Linkname, dst)
	default:
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return xbpserr.Wrap(xbpserr.IO, err, "creating parent dir for %s", dst)
		}
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(ent.Mode))
		if err != nil {
			return xbpserr.Wrap(xbpserr.IO, err, "creating %s", dst)
		}
		if _, err := io.Copy(out, ent.Payload); err != nil {
			out.Close()
			return xbpserr.Wrap(xbpserr.IO, err, "writing %s", dst)
		}
		if err := out.Close(); err != nil {
			return xbpserr.Wrap(xbpserr.IO, err, "closing %s", dst)
		}
		return verifyManifestHash(dst, ent.Name, manifest)
	}
}

// verifyManifestHash hashes the just-written regular file and compares it
// against manifest[name]["sha256"], the per-file integrity guarantee
// spec.md §4.8's Run phase requires. A manifest entry with no sha256
// recorded (directories, symlinks already handled above) is not checked.
func verifyManifestHash(dst, name string, manifest ostore.Dict) error {
	entry, ok := manifest.GetDict(name)
	if !ok {
		return nil
	}
	want, ok := entry.GetString("sha256")
	if !ok {
		return nil
	}
	got, err := verify.SHA256File(dst)
	if err != nil {
		return err
	}
	if got != want {
		return xbpserr.New(xbpserr.HashMismatch, "%s: sha256 mismatch after extraction (got %s want %s)", name, got, want)
	}
	return nil
}
