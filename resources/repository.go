package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
)

const (
	// URLsCategory is the category of OBR repository URLs.
	URLsCategory = "obr.urls"

	// BundlesCategory is the category of the bundles advertised by
	// the pushed repositories.
	BundlesCategory = "obr.bundles"
)

var ErrMalformedURL = errors.New("malformed repository URL")

// BundleInfo describes a bundle offered by a repository.
type BundleInfo struct {
	Name         string `yaml:"name" json:"name"`
	SymbolicName string `yaml:"symbolic_name" json:"symbolic_name"`
	Version      string `yaml:"version" json:"version"`
}

type Repository struct {
	URL     string       `yaml:"url"`
	Bundles []BundleInfo `yaml:"bundles,omitempty"`
}

type repositoryFile struct {
	Repositories []Repository `yaml:"repositories"`
}

// RepositoryList is the local list of OBR repositories, persisted as a
// YAML file. It is mirrored by a set of repository URLs.
type RepositoryList struct {
	path string

	mu    sync.RWMutex
	repos []Repository
}

// OpenRepositoryList loads the list from path. An empty path keeps the
// list in memory only.
func OpenRepositoryList(path string) (*RepositoryList, error) {
	var file repositoryFile
	if err := loadYAML(path, &file); err != nil {
		return nil, err
	}
	return &RepositoryList{path: path, repos: file.Repositories}, nil
}

func (l *RepositoryList) Category() string { return URLsCategory }

func (l *RepositoryList) Kind() Kind { return SetKind }

func (l *RepositoryList) List(ctx context.Context) ([]Resource, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]Resource, 0, len(l.repos))
	for _, repo := range l.repos {
		result = append(result, Resource{ID: repo.URL})
	}
	return result, nil
}

func (l *RepositoryList) Has(ctx context.Context, r Resource) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.indexOf(r.ID) >= 0, nil
}

func (l *RepositoryList) indexOf(u string) int {
	return slices.IndexFunc(l.repos, func(repo Repository) bool { return repo.URL == u })
}

// Apply adds a repository URL. Malformed URLs are rejected.
func (l *RepositoryList) Apply(ctx context.Context, r Resource) error {
	if err := validateURL(r.ID); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.indexOf(r.ID) >= 0 {
		return nil
	}
	repos := append(slices.Clone(l.repos), Repository{URL: r.ID})
	if err := saveYAML(l.path, repositoryFile{Repositories: repos}); err != nil {
		return err
	}
	l.repos = repos
	return nil
}

// Add registers a repository with its bundles, as done by an operator.
func (l *RepositoryList) Add(repo Repository) error {
	if err := validateURL(repo.URL); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	repos := slices.Clone(l.repos)
	if i := l.indexOf(repo.URL); i >= 0 {
		repos[i] = repo
	} else {
		repos = append(repos, repo)
	}
	if err := saveYAML(l.path, repositoryFile{Repositories: repos}); err != nil {
		return err
	}
	l.repos = repos
	return nil
}

// Linked returns the bundles of the repository, JSON encoded, to be
// added to the bundles collection of the group.
func (l *RepositoryList) Linked(ctx context.Context, r Resource) (string, []string, error) {
	l.mu.RLock()
	i := l.indexOf(r.ID)
	var bundles []BundleInfo
	if i >= 0 {
		bundles = slices.Clone(l.repos[i].Bundles)
	}
	l.mu.RUnlock()

	members := make([]string, 0, len(bundles))
	for _, b := range bundles {
		data, err := json.Marshal(b)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal bundle info %s: %w", b.SymbolicName, err)
		}
		members = append(members, string(data))
	}
	return BundlesCategory, members, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrMalformedURL, raw, err)
	}
	if u.Scheme == "" || (u.Host == "" && u.Opaque == "" && u.Path == "") {
		return fmt.Errorf("%w: %q", ErrMalformedURL, raw)
	}
	return nil
}
