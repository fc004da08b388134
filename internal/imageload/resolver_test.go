package imageload

import (
	"context"
	"encoding/base64"
	"errors"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readAll(t *testing.T, r Resolver, ref string) ([]byte, error) {
	t.Helper()
	rc, err := r.Open(context.Background(), ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func TestDataResolver(t *testing.T) {
	raw := []byte("hello overlay")
	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{"base64", "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw), "hello overlay", false},
		{"unpadded base64", "data:;base64," + base64.RawStdEncoding.EncodeToString(raw), "hello overlay", false},
		{"percent encoded", "data:text/plain,hello%20overlay", "hello overlay", false},
		{"upper-case scheme", "DATA:,x", "x", false},
		{"no comma", "data:image/png;base64", "", true},
		{"bad base64", "data:;base64,@@@", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readAll(t, DataResolver{}, tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(got) != tt.want {
				t.Errorf("Open() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFileResolverRoot(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "ok.png")
	if err := os.WriteFile(inside, []byte("png"), 0644); err != nil {
		t.Fatal(err)
	}
	outsideDir := t.TempDir()
	outside := filepath.Join(outsideDir, "secret.png")
	if err := os.WriteFile(outside, []byte("nope"), 0644); err != nil {
		t.Fatal(err)
	}

	r := &FileResolver{Root: root}

	if got, err := readAll(t, r, inside); err != nil || string(got) != "png" {
		t.Errorf("Open(inside) = %q, %v", got, err)
	}
	if got, err := readAll(t, r, "file://"+inside); err != nil || string(got) != "png" {
		t.Errorf("Open(file://inside) = %q, %v", got, err)
	}
	if _, err := readAll(t, r, outside); !errors.Is(err, ErrUnsupportedRef) {
		t.Errorf("Open(outside) error = %v, want ErrUnsupportedRef", err)
	}
	if _, err := readAll(t, r, filepath.Join(root, "..", filepath.Base(outsideDir), "secret.png")); err == nil {
		t.Error("Open(../) succeeded")
	}

	unrestricted := &FileResolver{}
	if _, err := readAll(t, unrestricted, outside); err != nil {
		t.Errorf("unrestricted Open(outside) error = %v", err)
	}
}

func TestHTTPResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	r := NewHTTPResolver(time.Second)
	if got, err := readAll(t, r, srv.URL+"/a.png"); err != nil || string(got) != "bytes" {
		t.Errorf("Open() = %q, %v", got, err)
	}
	if _, err := readAll(t, r, srv.URL+"/missing.png"); err == nil {
		t.Error("Open(404) succeeded")
	}
}

func TestSchemeResolverDispatch(t *testing.T) {
	blobs := NewBlobStore()
	ref := blobs.Put([]byte("up"), "image/png")

	dir := t.TempDir()
	path := filepath.Join(dir, "local.png")
	if err := os.WriteFile(path, []byte("local"), 0644); err != nil {
		t.Fatal(err)
	}

	s := NewSchemeResolver()
	s.Handle(BlobScheme, blobs)
	s.Handle("data", DataResolver{})
	s.Handle("file", &FileResolver{})
	s.Fallback(&FileResolver{})

	if got, err := readAll(t, s, ref); err != nil || string(got) != "up" {
		t.Errorf("blob Open() = %q, %v", got, err)
	}
	if got, err := readAll(t, s, "data:,inline"); err != nil || string(got) != "inline" {
		t.Errorf("data Open() = %q, %v", got, err)
	}
	if got, err := readAll(t, s, path); err != nil || string(got) != "local" {
		t.Errorf("path Open() = %q, %v", got, err)
	}
	if _, err := readAll(t, s, "ftp://example.com/x.png"); !errors.Is(err, ErrUnsupportedRef) {
		t.Errorf("ftp Open() error = %v, want ErrUnsupportedRef", err)
	}

	s.Release(ref)
	if _, err := readAll(t, s, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open(released blob) error = %v, want ErrNotFound", err)
	}
	if blobs.Len() != 0 {
		t.Errorf("blobs.Len() = %d after release, want 0", blobs.Len())
	}
}

func TestLoaderWithBlobStoreRevokesSuperseded(t *testing.T) {
	blobs := NewBlobStore()
	s := NewSchemeResolver()
	s.Handle(BlobScheme, blobs)

	first := blobs.Put(pngBytes(t, 2, 2, color.Black), "image/png")
	second := blobs.Put(pngBytes(t, 2, 2, color.White), "image/png")

	l := NewLoader(s, Options{})
	defer l.Close()
	ch := l.Subscribe()

	l.Observe(first)
	waitPhase(t, ch, Ready, first)
	l.Observe(second)
	waitPhase(t, ch, Ready, second)

	if _, ok := blobs.ContentType(first); ok {
		t.Error("superseded blob still registered")
	}
	if _, ok := blobs.ContentType(second); !ok {
		t.Error("current blob was revoked")
	}
}
