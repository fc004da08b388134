package imageload

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Resolver opens the encoded bytes behind a reference
type Resolver interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Releaser is implemented by resolvers that hold resources per reference
// (uploaded blobs). Release is called once a reference stops being current.
type Releaser interface {
	Release(ref string)
}

// SchemeResolver dispatches on the reference's URI scheme. References
// without a scheme go to the fallback resolver, if any.
type SchemeResolver struct {
	schemes  map[string]Resolver
	fallback Resolver
}

// NewSchemeResolver creates an empty scheme resolver
func NewSchemeResolver() *SchemeResolver {
	return &SchemeResolver{schemes: make(map[string]Resolver)}
}

// Handle registers r for scheme (without the trailing colon)
func (s *SchemeResolver) Handle(scheme string, r Resolver) {
	s.schemes[strings.ToLower(scheme)] = r
}

// Fallback sets the resolver used for scheme-less references
func (s *SchemeResolver) Fallback(r Resolver) {
	s.fallback = r
}

func (s *SchemeResolver) lookup(ref string) Resolver {
	if scheme, _, ok := strings.Cut(ref, ":"); ok && isScheme(scheme) {
		return s.schemes[strings.ToLower(scheme)]
	}
	return s.fallback
}

// Open implements Resolver
func (s *SchemeResolver) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	r := s.lookup(ref)
	if r == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
	}
	return r.Open(ctx, ref)
}

// Release implements Releaser by forwarding to the scheme's resolver
func (s *SchemeResolver) Release(ref string) {
	if rel, ok := s.lookup(ref).(Releaser); ok {
		rel.Release(ref)
	}
}

// isScheme reports whether s is a URI scheme per RFC 3986. Single letters
// are rejected so Windows drive letters stay paths.
func isScheme(s string) bool {
	if len(s) < 2 {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

// HTTPResolver fetches http and https references
type HTTPResolver struct {
	Client *http.Client
}

// NewHTTPResolver creates an HTTP resolver with a per-request timeout
func NewHTTPResolver(timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{Client: &http.Client{Timeout: timeout}}
}

// Open implements Resolver
func (h *HTTPResolver) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %s", ref, resp.Status)
	}
	return resp.Body, nil
}

// FileResolver opens file:// references and plain paths. When Root is set,
// paths outside it are refused.
type FileResolver struct {
	Root string
}

// Open implements Resolver
func (f *FileResolver) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	path := ref
	if strings.HasPrefix(strings.ToLower(ref), "file:") {
		u, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("invalid file url: %w", err)
		}
		path = u.Path
	}

	path = filepath.Clean(path)
	if f.Root != "" {
		root, err := filepath.Abs(f.Root)
		if err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%w: %s is outside %s", ErrUnsupportedRef, path, root)
		}
		path = abs
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	return file, nil
}

// DataResolver decodes data: URIs (RFC 2397)
type DataResolver struct{}

// Open implements Resolver
func (DataResolver) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	rest, ok := cutPrefixFold(ref, "data:")
	if !ok {
		return nil, fmt.Errorf("%w: not a data uri", ErrUnsupportedRef)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("malformed data uri: missing comma")
	}

	var data []byte
	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// some encoders drop the padding
			decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
			if err != nil {
				return nil, fmt.Errorf("malformed data uri: %w", err)
			}
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("malformed data uri: %w", err)
		}
		data = []byte(unescaped)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
