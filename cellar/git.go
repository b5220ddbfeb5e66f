package cellar

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Masterminds/vcs"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// GitSource serves packages pinned to a ref of a git repository. It keeps
// two cache layers: one bare mirror clone per repository URL, and one
// working-tree clone per required commit, made from the mirror so a second
// commit of the same repository costs no extra network round trip.
type GitSource struct {
	cache *SystemCache
	reg   *Registry

	// client is only used by the GitHub tarball fallback when no git
	// binary is installed.
	client *http.Client
}

func NewGitSource(cache *SystemCache, reg *Registry) *GitSource {
	return &GitSource{
		cache:  cache,
		reg:    reg,
		client: &http.Client{Timeout: hostedRequestTimeout},
	}
}

func (s *GitSource) Name() string      { return "git" }
func (s *GitSource) ShouldCache() bool { return true }

func (s *GitSource) ParseDescription(containingDir string, raw interface{}, fromLock bool) (interface{}, error) {
	switch t := raw.(type) {
	case string:
		if fromLock {
			return nil, &ParseError{What: "git description", Raw: t,
				Err: errors.New("lockfile descriptions must be in map form")}
		}
		return GitDescription{URL: t}, nil

	case map[string]interface{}:
		u, _ := t["url"].(string)
		if u == "" {
			return nil, &ParseError{What: "git description", Raw: fmt.Sprint(raw),
				Err: errors.New("missing url")}
		}
		ref, _ := t["ref"].(string)
		resolved, _ := t["resolved-ref"].(string)
		if fromLock && resolved == "" {
			return nil, &ParseError{What: "git description", Raw: u,
				Err: errors.New("lockfile entry has no resolved-ref")}
		}
		return GitDescription{URL: u, Ref: ref, ResolvedRef: resolved}, nil
	}

	return nil, &ParseError{What: "git description", Raw: fmt.Sprint(raw),
		Err: errors.New("expected a url or a {url, ref} map")}
}

func (s *GitSource) SerializeDescription(containingDir string, desc interface{}) (interface{}, error) {
	d, ok := desc.(GitDescription)
	if !ok {
		return nil, InvalidArgumentError(fmt.Sprintf("not a git description: %T", desc))
	}
	out := map[string]interface{}{"url": d.URL}
	if d.Ref != "" {
		out["ref"] = d.Ref
	}
	if d.ResolvedRef != "" {
		out["resolved-ref"] = d.ResolvedRef
	}
	return out, nil
}

// DescriptionsEqual compares url and symbolic ref. A resolved-ref set on
// one side does not make two otherwise-identical specs unequal.
func (s *GitSource) DescriptionsEqual(a, b interface{}) bool {
	da, ok1 := a.(GitDescription)
	db, ok2 := b.(GitDescription)
	if !ok1 || !ok2 {
		return false
	}
	ra, rb := da.Ref, db.Ref
	if ra == "" {
		ra = "HEAD"
	}
	if rb == "" {
		rb = "HEAD"
	}
	return da.URL == db.URL && ra == rb
}

func (s *GitSource) HashDescription(desc interface{}) uint64 {
	d, ok := desc.(GitDescription)
	if !ok {
		return 0
	}
	ref := d.Ref
	if ref == "" {
		ref = "HEAD"
	}
	h := xxhash.New()
	h.WriteString(d.URL)
	h.Write([]byte{0})
	h.WriteString(ref)
	return h.Sum64()
}

func (s *GitSource) Describe(ctx context.Context, id PackageID) (*Pubspec, error) {
	d := id.Ref.Description.(GitDescription)

	if !gitInstalled() {
		return s.describeViaGithub(ctx, id, d)
	}

	mirror, err := s.ensureMirror(ctx, id.Ref.Name, d)
	if err != nil {
		return nil, err
	}
	commit, err := s.resolveCommit(ctx, mirror, d)
	if err != nil {
		return nil, err
	}

	out, err := runGit(ctx, mirror, "show", commit+":"+PubspecName)
	if err != nil {
		return nil, &PackageNotFoundError{Name: id.Ref.Name, Source: s.Name(),
			Detail: fmt.Sprintf("no %s at %s in %s", PubspecName, commit, d.URL)}
	}
	return ParsePubspec(out, "", s.reg)
}

// ListVersions resolves the ref to a commit and reports the single version
// the pubspec at that commit declares. A git dependency pins one ref, so
// there is exactly one candidate.
func (s *GitSource) ListVersions(ctx context.Context, ref PackageRef) ([]Version, error) {
	ps, err := s.Describe(ctx, PackageID{Ref: ref})
	if err != nil {
		return nil, err
	}
	return []Version{ps.EffectiveVersion()}, nil
}

func (s *GitSource) DownloadToCache(ctx context.Context, id PackageID) (*Package, error) {
	d := id.Ref.Description.(GitDescription)

	if !gitInstalled() {
		return s.downloadViaGithub(ctx, id, d)
	}

	mirror, err := s.ensureMirror(ctx, id.Ref.Name, d)
	if err != nil {
		return nil, err
	}
	commit, err := s.resolveCommit(ctx, mirror, d)
	if err != nil {
		return nil, err
	}

	dir := s.worktreeDir(id.Ref.Name, commit)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := s.cache.pool.acquire(ctx); err != nil {
			return nil, err
		}
		defer s.cache.pool.release()

		staging, err := s.cache.StagingDir()
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(staging)

		// Clone from the mirror, not the remote.
		checkout := filepath.Join(staging, "checkout")
		if _, err := runGit(ctx, "", "clone", mirror, checkout); err != nil {
			return nil, err
		}
		if _, err := runGit(ctx, checkout, "checkout", "--detach", commit); err != nil {
			return nil, err
		}
		if err := s.cache.commitStaging(checkout, dir); err != nil {
			return nil, err
		}
	}

	ps, err := LoadPubspec(dir, s.reg)
	if err != nil {
		return nil, err
	}
	return &Package{Pubspec: ps, Dir: dir}, nil
}

func (s *GitSource) Get(ctx context.Context, id PackageID, dest string) (bool, error) {
	return false, InvalidArgumentError("git packages install through the system cache")
}

func (s *GitSource) Directory(id PackageID) (string, error) {
	d, ok := id.Ref.Description.(GitDescription)
	if !ok {
		return "", InvalidArgumentError(fmt.Sprintf("not a git description: %T", id.Ref.Description))
	}
	if d.ResolvedRef == "" {
		return "", InvalidArgumentError(fmt.Sprintf("git package %s has no resolved ref", id.Ref.Name))
	}
	return s.worktreeDir(id.Ref.Name, d.ResolvedRef), nil
}

// ResolveID pins the commit SHA into the description so the lockfile
// records the revision actually used.
func (s *GitSource) ResolveID(ctx context.Context, id PackageID) (PackageID, error) {
	d := id.Ref.Description.(GitDescription)
	if d.ResolvedRef != "" {
		return id, nil
	}

	var commit string
	var err error
	if gitInstalled() {
		var mirror string
		mirror, err = s.ensureMirror(ctx, id.Ref.Name, d)
		if err != nil {
			return PackageID{}, err
		}
		commit, err = s.resolveCommit(ctx, mirror, d)
	} else {
		commit, err = s.resolveGithubRef(ctx, d)
	}
	if err != nil {
		return PackageID{}, err
	}

	d.ResolvedRef = commit
	id.Ref.Description = d
	return id, nil
}

// mirrorDir is git/cache/<name>-<sha1(url)> under the cache root.
func (s *GitSource) mirrorDir(name string, d GitDescription) string {
	sum := sha1.Sum([]byte(d.URL))
	return filepath.Join(s.cache.SourceRoot(s.Name()), "cache",
		fmt.Sprintf("%s-%s", name, hex.EncodeToString(sum[:])))
}

// worktreeDir is git/<name>-<commit> under the cache root.
func (s *GitSource) worktreeDir(name, commit string) string {
	return filepath.Join(s.cache.SourceRoot(s.Name()), fmt.Sprintf("%s-%s", name, commit))
}

func (s *GitSource) ensureMirror(ctx context.Context, name string, d GitDescription) (string, error) {
	dir := s.mirrorDir(name, d)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}

	repo, err := vcs.NewGitRepo(d.URL, dir)
	if err != nil {
		return "", &GitError{Err: err}
	}
	if !repo.Ping() {
		return "", &PackageNotFoundError{Name: name, Source: s.Name(),
			Detail: fmt.Sprintf("repository %s is unreachable", d.URL)}
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return "", errors.Wrap(err, "creating git cache directory")
	}
	if _, err := runGit(ctx, "", "clone", "--mirror", d.URL, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// resolveCommit turns the description's effective ref into a commit SHA,
// fetching the mirror once if the ref is initially unknown.
func (s *GitSource) resolveCommit(ctx context.Context, mirror string, d GitDescription) (string, error) {
	ref := d.effectiveRef()

	out, err := runGit(ctx, mirror, "rev-parse", ref+"^{commit}")
	if err != nil {
		if _, ferr := runGit(ctx, mirror, "fetch", "--tags", "origin"); ferr != nil {
			return "", ferr
		}
		out, err = runGit(ctx, mirror, "rev-parse", ref+"^{commit}")
		if err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(string(out)), nil
}

func gitInstalled() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// runGit invokes the local git binary, returning combined output. A
// non-zero exit surfaces as a GitError carrying the output.
func runGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, &GitError{Args: args, Output: string(out), Err: err}
	}
	return out, nil
}

// githubRepoPath extracts "owner/repo" from a github.com URL, or "" when
// the URL is not GitHub-hosted.
func githubRepoPath(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil || !strings.EqualFold(u.Host, "github.com") {
		return ""
	}
	p := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	if strings.Count(p, "/") != 1 {
		return ""
	}
	return p
}

// resolveGithubRef asks the GitHub API for the commit SHA of the ref. Part
// of the no-git fallback.
func (s *GitSource) resolveGithubRef(ctx context.Context, d GitDescription) (string, error) {
	repo := githubRepoPath(d.URL)
	if repo == "" {
		return "", &GitError{Err: errors.Errorf("git is not installed and %s is not a github.com repository", d.URL)}
	}

	u := fmt.Sprintf("https://api.github.com/repos/%s/commits/%s", repo, url.PathEscape(d.effectiveRef()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errors.Wrap(err, "building github request")
	}
	req.Header.Set("Accept", "application/vnd.github.sha")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &NetworkError{URL: u, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &NetworkError{URL: u, Status: resp.StatusCode}
	}

	sha, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", &NetworkError{URL: u, Err: err}
	}
	return strings.TrimSpace(string(sha)), nil
}

// downloadViaGithub materializes a commit snapshot through the GitHub
// tarball API when no git binary is available.
func (s *GitSource) downloadViaGithub(ctx context.Context, id PackageID, d GitDescription) (*Package, error) {
	repo := githubRepoPath(d.URL)
	if repo == "" {
		return nil, &GitError{Err: errors.Errorf("git is not installed and %s is not a github.com repository", d.URL)}
	}

	commit := d.ResolvedRef
	if commit == "" {
		var err error
		commit, err = s.resolveGithubRef(ctx, d)
		if err != nil {
			return nil, err
		}
	}

	dir := s.worktreeDir(id.Ref.Name, commit)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := s.cache.pool.acquire(ctx); err != nil {
			return nil, err
		}
		defer s.cache.pool.release()

		staging, err := s.cache.StagingDir()
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(staging)

		u := fmt.Sprintf("https://api.github.com/repos/%s/tarball/%s", repo, url.PathEscape(commit))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, errors.Wrap(err, "building github request")
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, &NetworkError{URL: u, Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, &NetworkError{URL: u, Status: resp.StatusCode}
		}

		if err := extractTarGz(resp.Body, staging); err != nil {
			return nil, err
		}
		if err := s.cache.commitStaging(staging, dir); err != nil {
			return nil, err
		}
	}

	ps, err := LoadPubspec(dir, s.reg)
	if err != nil {
		return nil, err
	}
	return &Package{Pubspec: ps, Dir: dir}, nil
}

func (s *GitSource) describeViaGithub(ctx context.Context, id PackageID, d GitDescription) (*Pubspec, error) {
	pkg, err := s.downloadViaGithub(ctx, id, d)
	if err != nil {
		return nil, err
	}
	return pkg.Pubspec, nil
}
