package cellar

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	// hostedAPIAccept pins the index API version; a 406 response means
	// the server no longer speaks it.
	hostedAPIAccept = "application/vnd.tavern.v2+json"

	hostedRequestTimeout = 30 * time.Second
)

// HostedSource serves packages from a central HTTPS index. The index
// returns, per package, the list of versions with archive locations and
// inline pubspecs, so describing a version needs no second round trip.
type HostedSource struct {
	cache      *SystemCache
	reg        *Registry
	defaultURL string
	client     *http.Client

	mu   sync.Mutex
	docs map[string]*hostedIndexDoc
}

type hostedIndexDoc struct {
	Name     string          `json:"name"`
	Versions []hostedVersion `json:"versions"`
}

type hostedVersion struct {
	Version       string          `json:"version"`
	ArchiveURL    string          `json:"archive_url"`
	ArchiveSHA256 string          `json:"archive_sha256,omitempty"`
	Pubspec       json.RawMessage `json:"pubspec"`
}

func NewHostedSource(cache *SystemCache, reg *Registry, defaultURL string, client *http.Client) *HostedSource {
	if client == nil {
		client = &http.Client{Timeout: hostedRequestTimeout}
	}
	return &HostedSource{
		cache:      cache,
		reg:        reg,
		defaultURL: strings.TrimSuffix(defaultURL, "/"),
		client:     client,
		docs:       make(map[string]*hostedIndexDoc),
	}
}

func (s *HostedSource) Name() string      { return "hosted" }
func (s *HostedSource) ShouldCache() bool { return true }

func (s *HostedSource) ParseDescription(containingDir string, raw interface{}, fromLock bool) (interface{}, error) {
	switch t := raw.(type) {
	case string:
		if fromLock {
			return nil, &ParseError{What: "hosted description", Raw: t,
				Err: errors.New("lockfile descriptions must be in map form")}
		}
		return HostedDescription{Name: t, URL: s.defaultURL}, nil

	case map[string]interface{}:
		name, _ := t["name"].(string)
		if name == "" {
			return nil, &ParseError{What: "hosted description", Raw: fmt.Sprint(raw),
				Err: errors.New("missing name")}
		}
		u, _ := t["url"].(string)
		if u == "" {
			u = s.defaultURL
		}
		if _, err := url.Parse(u); err != nil {
			return nil, &ParseError{What: "hosted url", Raw: u, Err: err}
		}
		return HostedDescription{Name: name, URL: strings.TrimSuffix(u, "/")}, nil
	}

	return nil, &ParseError{What: "hosted description", Raw: fmt.Sprint(raw),
		Err: errors.New("expected a package name or a {name, url} map")}
}

func (s *HostedSource) SerializeDescription(containingDir string, desc interface{}) (interface{}, error) {
	d, ok := desc.(HostedDescription)
	if !ok {
		return nil, InvalidArgumentError(fmt.Sprintf("not a hosted description: %T", desc))
	}
	return map[string]interface{}{"name": d.Name, "url": d.URL}, nil
}

func (s *HostedSource) DescriptionsEqual(a, b interface{}) bool {
	da, ok1 := a.(HostedDescription)
	db, ok2 := b.(HostedDescription)
	if !ok1 || !ok2 {
		return false
	}
	return da.Name == db.Name && strings.TrimSuffix(da.URL, "/") == strings.TrimSuffix(db.URL, "/")
}

func (s *HostedSource) HashDescription(desc interface{}) uint64 {
	d, ok := desc.(HostedDescription)
	if !ok {
		return 0
	}
	h := xxhash.New()
	h.WriteString(d.Name)
	h.Write([]byte{0})
	h.WriteString(strings.TrimSuffix(d.URL, "/"))
	return h.Sum64()
}

func (s *HostedSource) Describe(ctx context.Context, id PackageID) (*Pubspec, error) {
	d := id.Ref.Description.(HostedDescription)
	doc, err := s.indexDoc(ctx, d)
	if err != nil {
		return nil, err
	}
	for _, rec := range doc.Versions {
		v, err := NewVersion(rec.Version)
		if err != nil {
			continue
		}
		if v.Equal(id.Version) {
			// YAML is a JSON superset, so the inline JSON pubspec parses
			// through the regular document path.
			return ParsePubspec(rec.Pubspec, "", s.reg)
		}
	}
	return nil, &PackageNotFoundError{Name: d.Name, Source: s.Name(),
		Detail: fmt.Sprintf("version %s is not in the index", id.Version)}
}

func (s *HostedSource) ListVersions(ctx context.Context, ref PackageRef) ([]Version, error) {
	d := ref.Description.(HostedDescription)
	doc, err := s.indexDoc(ctx, d)
	if err != nil {
		return nil, err
	}
	var out []Version
	for _, rec := range doc.Versions {
		v, err := NewVersion(rec.Version)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *HostedSource) DownloadToCache(ctx context.Context, id PackageID) (*Package, error) {
	d := id.Ref.Description.(HostedDescription)
	dir, err := s.Directory(id)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(dir); err == nil {
		return s.loadPackage(dir)
	}

	doc, err := s.indexDoc(ctx, d)
	if err != nil {
		return nil, err
	}
	var rec *hostedVersion
	for i := range doc.Versions {
		v, err := NewVersion(doc.Versions[i].Version)
		if err == nil && v.Equal(id.Version) {
			rec = &doc.Versions[i]
			break
		}
	}
	if rec == nil {
		return nil, &PackageNotFoundError{Name: d.Name, Source: s.Name(),
			Detail: fmt.Sprintf("version %s is not in the index", id.Version)}
	}

	if err := s.cache.pool.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.cache.pool.release()

	staging, err := s.cache.StagingDir()
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	if err := s.fetchArchive(ctx, rec, staging); err != nil {
		return nil, err
	}
	if err := s.cache.commitStaging(staging, dir); err != nil {
		return nil, err
	}
	return s.loadPackage(dir)
}

func (s *HostedSource) fetchArchive(ctx context.Context, rec *hostedVersion, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.ArchiveURL, nil)
	if err != nil {
		return errors.Wrap(err, "building archive request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return s.wrapTransportError(rec.ArchiveURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &NetworkError{URL: rec.ArchiveURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return s.wrapTransportError(rec.ArchiveURL, err)
	}

	if rec.ArchiveSHA256 != "" {
		sum := sha256.Sum256(body)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), rec.ArchiveSHA256) {
			return errors.Errorf("archive checksum mismatch for %s", rec.ArchiveURL)
		}
	}

	return extractTarGz(bytes.NewReader(body), dest)
}

func (s *HostedSource) Get(ctx context.Context, id PackageID, dest string) (bool, error) {
	return false, InvalidArgumentError("hosted packages install through the system cache")
}

func (s *HostedSource) Directory(id PackageID) (string, error) {
	d, ok := id.Ref.Description.(HostedDescription)
	if !ok {
		return "", InvalidArgumentError(fmt.Sprintf("not a hosted description: %T", id.Ref.Description))
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", &ParseError{What: "hosted url", Raw: d.URL, Err: err}
	}
	host := strings.ReplaceAll(u.Host, ":", "%3A")
	return filepath.Join(s.cache.SourceRoot(s.Name()), host,
		fmt.Sprintf("%s-%s", d.Name, id.Version)), nil
}

func (s *HostedSource) ResolveID(ctx context.Context, id PackageID) (PackageID, error) {
	return id, nil
}

func (s *HostedSource) loadPackage(dir string) (*Package, error) {
	ps, err := LoadPubspec(dir, s.reg)
	if err != nil {
		return nil, err
	}
	return &Package{Pubspec: ps, Dir: dir}, nil
}

// indexDoc fetches (and memoizes for the life of the process) the index
// document for a package.
func (s *HostedSource) indexDoc(ctx context.Context, d HostedDescription) (*hostedIndexDoc, error) {
	key := d.URL + "\x00" + d.Name
	s.mu.Lock()
	if doc, has := s.docs[key]; has {
		s.mu.Unlock()
		return doc, nil
	}
	s.mu.Unlock()

	u := fmt.Sprintf("%s/api/packages/%s", d.URL, url.PathEscape(d.Name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building index request")
	}
	req.Header.Set("Accept", hostedAPIAccept)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, s.wrapTransportError(u, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &PackageNotFoundError{Name: d.Name, Source: s.Name(),
			Detail: fmt.Sprintf("the index at %s does not know it", d.URL)}
	case http.StatusNotAcceptable:
		return nil, &NetworkError{URL: u, Status: resp.StatusCode,
			Err: errors.Errorf("the index does not support API version %s; upgrade the client", hostedAPIAccept)}
	default:
		return nil, &NetworkError{URL: u, Status: resp.StatusCode}
	}

	var doc hostedIndexDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, &ParseError{What: "index document", Raw: u, Err: err}
	}

	s.mu.Lock()
	s.docs[key] = &doc
	s.mu.Unlock()
	return &doc, nil
}

func (s *HostedSource) wrapTransportError(u string, err error) error {
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return &NetworkError{URL: u, Timeout: true, Err: err}
	}
	return &NetworkError{URL: u, Err: err}
}
