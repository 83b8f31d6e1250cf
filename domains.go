package tollgate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"sort"
	"strings"
)

// DomainSet is an immutable set of normalized hostnames. A DomainSet is
// safe for concurrent use because it is never modified after construction;
// reloading builds a new set.
type DomainSet struct {
	domains map[string]struct{}
}

// NewDomainSet builds a DomainSet from the given hostnames. Each entry is
// passed through [NormalizeTarget], so "www.example.com" and "example.com"
// collapse to the same element. Empty entries are dropped.
func NewDomainSet(domains ...string) *DomainSet {
	ds := &DomainSet{domains: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		n := NormalizeTarget(d)
		if n == "" {
			continue
		}
		ds.domains[n] = struct{}{}
	}
	return ds
}

// Contains reports whether the normalized target is in the set.
// A nil set contains nothing.
func (ds *DomainSet) Contains(target string) bool {
	if ds == nil {
		return false
	}
	_, ok := ds.domains[target]
	return ok
}

// Len returns the number of domains in the set.
func (ds *DomainSet) Len() int {
	if ds == nil {
		return 0
	}
	return len(ds.domains)
}

// Domains returns the set's members in sorted order.
func (ds *DomainSet) Domains() []string {
	if ds == nil {
		return []string{}
	}
	out := make([]string, 0, len(ds.domains))
	for d := range ds.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// DomainSource loads hostnames from some backing store.
type DomainSource interface {
	// Load returns the raw hostnames held by the source.
	Load(ctx context.Context) ([]string, error)
}

// DomainSourceFunc is a function adapter for DomainSource.
type DomainSourceFunc func(ctx context.Context) ([]string, error)

// Load calls f.
func (f DomainSourceFunc) Load(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// LoadDomainSet loads every hostname from src and builds a DomainSet.
func LoadDomainSet(ctx context.Context, src DomainSource) (*DomainSet, error) {
	domains, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}
	return NewDomainSet(domains...), nil
}

// ParseDomainList parses a list of hostnames, one per line.
// Blank lines and lines starting with # are skipped.
func ParseDomainList(r io.Reader) ([]string, error) {
	var domains []string
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return domains, nil
}

// FileSource reads a domain list file. A missing file is not an error:
// it yields an empty list.
type FileSource struct {
	// Path to the domain list file
	Path string

	// OnMissing is called when the file does not exist (optional).
	OnMissing func(path string)
}

// NewFileSource creates a source for the domain list at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Load implements DomainSource.
func (s *FileSource) Load(ctx context.Context) ([]string, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if s.OnMissing != nil {
				s.OnMissing(s.Path)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("open domain list: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	domains, err := ParseDomainList(f)
	if err != nil {
		return nil, fmt.Errorf("read domain list %s: %w", s.Path, err)
	}
	return domains, nil
}

// URLSource fetches a domain list over HTTP. The body has the same format
// as a domain list file.
type URLSource struct {
	// URL to fetch the list from
	URL string

	// Client for HTTP requests (uses http.DefaultClient if nil)
	Client *http.Client
}

// NewURLSource creates a source that fetches the list at endpoint.
func NewURLSource(endpoint string) *URLSource {
	return &URLSource{URL: endpoint}
}

// Load implements DomainSource.
func (s *URLSource) Load(ctx context.Context) ([]string, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch domain list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch domain list: unexpected status %d", resp.StatusCode)
	}

	return ParseDomainList(resp.Body)
}

// StaticSource returns a fixed list of hostnames.
type StaticSource struct {
	Domains []string
}

// NewStaticSource creates a source with a fixed list.
func NewStaticSource(domains ...string) *StaticSource {
	return &StaticSource{Domains: domains}
}

// Load implements DomainSource.
func (s *StaticSource) Load(context.Context) ([]string, error) {
	return s.Domains, nil
}

// MultiSource concatenates the lists of several sources.
type MultiSource struct {
	Sources []DomainSource
}

// NewMultiSource creates a source that merges the given sources.
func NewMultiSource(sources ...DomainSource) *MultiSource {
	return &MultiSource{Sources: sources}
}

// Load implements DomainSource. It fails if any source fails.
func (m *MultiSource) Load(ctx context.Context) ([]string, error) {
	var all []string

	for i, src := range m.Sources {
		domains, err := src.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		all = append(all, domains...)
	}

	return all, nil
}

// Close closes every source that holds resources, such as a SQLSource.
func (m *MultiSource) Close() error {
	var errs []error
	for _, src := range m.Sources {
		if c, ok := src.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
