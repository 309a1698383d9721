package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"testing"
)

func buildGzipTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, body := range files {
		if err := AppendBuf(tw, name, 0644, []byte(body)); err != nil {
			t.Fatalf("AppendBuf: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return buf.Bytes()
}

func TestNewReaderDetectsGzip(t *testing.T) {
	data := buildGzipTar(t, map[string]string{"props.plist": "pkgname: foo\n"})

	dr, err := NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	tr := tar.NewReader(dr)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("tar Next: %v", err)
	}
	if hdr.Name != "props.plist" {
		t.Fatalf("got member %q", hdr.Name)
	}
}

func TestExtractMember(t *testing.T) {
	data := buildGzipTar(t, map[string]string{
		"props.plist": "pkgname: foo\n",
		"files.plist": "files: []\n",
	})

	body, err := ExtractMember(bytes.NewReader(data), "files.plist")
	if err != nil {
		t.Fatalf("ExtractMember: %v", err)
	}
	if string(body) != "files: []\n" {
		t.Fatalf("got body %q", body)
	}
}

func TestExtractMemberNotFound(t *testing.T) {
	data := buildGzipTar(t, map[string]string{"props.plist": "x"})
	if _, err := ExtractMember(bytes.NewReader(data), "missing"); err == nil {
		t.Fatalf("expected an error for a missing member")
	}
}

func TestIteratorWalksAllMembers(t *testing.T) {
	data := buildGzipTar(t, map[string]string{
		"a": "1",
		"b": "2",
	})

	it, err := NewIterator(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}

	seen := map[string]string{}
	for {
		ent, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		body, err := io.ReadAll(ent.Payload)
		if err != nil {
			t.Fatalf("reading payload: %v", err)
		}
		seen[ent.Name] = string(body)
	}
	if seen["a"] != "1" || seen["b"] != "2" {
		t.Fatalf("got %v", seen)
	}
}
