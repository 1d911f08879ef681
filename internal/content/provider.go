// Package content defines the contract for repository content providers.
// The actual GitHub fetcher lives outside this module; the pipeline only
// consumes resolved repository lists, trees and file blobs.
package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mauro3422/gitteach/internal/types"
)

// RepoInfo describes one repository available for analysis.
type RepoInfo struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Stars    int    `json:"stars"`
}

// TreeEntry is one entry of a repository tree.
type TreeEntry struct {
	Path string          `json:"path"`
	Hash string          `json:"hash"`
	Type types.EntryType `json:"type"`
	Size int64           `json:"size"`
}

// Tree is a resolved repository tree.
type Tree struct {
	Hash    string      `json:"hash"`
	Entries []TreeEntry `json:"entries"`
}

// FileContent is a resolved file blob.
type FileContent struct {
	Content string `json:"content"`
	Hash    string `json:"hash"`
}

// Provider is the abstract content collaborator.
type Provider interface {
	ListRepositories(ctx context.Context) ([]RepoInfo, error)
	GetTree(ctx context.Context, owner, repo string) (*Tree, error)
	GetFileContent(ctx context.Context, owner, repo, path string) (*FileContent, error)
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// RateLimitError signals the provider's rate limit was hit. It means
// "stop requesting", not "retry this one item", so the coordinator surfaces
// it as a named condition instead of a generic failure.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	if e.ResetAt.IsZero() {
		return "content provider rate limit exceeded"
	}
	return fmt.Sprintf("content provider rate limit exceeded (resets %s)", e.ResetAt.Format(time.RFC3339))
}

// IsRateLimited reports whether an error chain contains a rate-limit signal.
func IsRateLimited(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// =============================================================================
// STATIC PROVIDER
// =============================================================================

// StaticProvider serves a fixed set of repositories from memory. Used for
// dry runs and tests; it never rate-limits.
type StaticProvider struct {
	Repos map[string]StaticRepo
}

// StaticRepo is one in-memory repository.
type StaticRepo struct {
	Info  RepoInfo
	Tree  Tree
	Blobs map[string]FileContent // keyed by path
}

// NewStaticProvider creates an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{Repos: make(map[string]StaticRepo)}
}

// AddRepo registers a repository with its files. Hashes are derived from
// the path when absent so trees stay deterministic.
func (p *StaticProvider) AddRepo(info RepoInfo, files map[string]string) {
	tree := Tree{Hash: fmt.Sprintf("tree-%s", info.Name)}
	blobs := make(map[string]FileContent, len(files))
	for path, body := range files {
		hash := fmt.Sprintf("blob-%s-%s", info.Name, path)
		tree.Entries = append(tree.Entries, TreeEntry{
			Path: path,
			Hash: hash,
			Type: types.EntryBlob,
			Size: int64(len(body)),
		})
		blobs[path] = FileContent{Content: body, Hash: hash}
	}
	p.Repos[info.Name] = StaticRepo{Info: info, Tree: tree, Blobs: blobs}
}

func (p *StaticProvider) ListRepositories(ctx context.Context) ([]RepoInfo, error) {
	repos := make([]RepoInfo, 0, len(p.Repos))
	for _, r := range p.Repos {
		repos = append(repos, r.Info)
	}
	return repos, nil
}

func (p *StaticProvider) GetTree(ctx context.Context, owner, repo string) (*Tree, error) {
	r, ok := p.Repos[repo]
	if !ok {
		return nil, fmt.Errorf("unknown repository: %s", repo)
	}
	tree := r.Tree
	return &tree, nil
}

func (p *StaticProvider) GetFileContent(ctx context.Context, owner, repo, path string) (*FileContent, error) {
	r, ok := p.Repos[repo]
	if !ok {
		return nil, fmt.Errorf("unknown repository: %s", repo)
	}
	blob, ok := r.Blobs[path]
	if !ok {
		return nil, fmt.Errorf("unknown path %s in repository %s", path, repo)
	}
	return &blob, nil
}
