// Package source lists what should be deployed from a GitHub repository.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"previewbox/internal/reconcile"
)

const perPage = 100

// Options configures a GitHub source.
type Options struct {
	Owner string
	Repo  string
	// Token is optional; anonymous requests are heavily rate limited.
	Token string
	// BaseURL overrides the API endpoint (GitHub Enterprise, tests).
	BaseURL string
	// CloneURL overrides the clone URL used for tracked branches.
	CloneURL string
}

// GitHub is a reconcile.SourceProvider backed by the GitHub REST API.
type GitHub struct {
	client   *github.Client
	owner    string
	repo     string
	cloneURL string
	logger   *slog.Logger
}

// NewGitHub creates a GitHub source for opts.Owner/opts.Repo.
func NewGitHub(opts Options, logger *slog.Logger) (*GitHub, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("github owner and repo are required")
	}

	var httpClient *http.Client
	if opts.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}
	client := github.NewClient(httpClient)

	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url %q: %w", opts.BaseURL, err)
		}
		client.BaseURL = u
	}

	cloneURL := opts.CloneURL
	if cloneURL == "" {
		cloneURL = fmt.Sprintf("https://github.com/%s/%s.git", opts.Owner, opts.Repo)
	}

	return &GitHub{
		client:   client,
		owner:    opts.Owner,
		repo:     opts.Repo,
		cloneURL: cloneURL,
		logger:   logger,
	}, nil
}

// ListOpenPullRequestUnits returns one unit per open pull request, following
// pagination until the last page.
func (g *GitHub) ListOpenPullRequestUnits(ctx context.Context) ([]reconcile.DesiredUnit, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var units []reconcile.DesiredUnit
	for {
		prs, resp, err := g.client.PullRequests.List(ctx, g.owner, g.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list pull requests (page %d): %w", opts.Page, err)
		}
		for _, pr := range prs {
			u, ok := pullRequestUnit(pr)
			if !ok {
				g.logger.Warn("Skipping pull request without head repository", "number", pr.GetNumber())
				continue
			}
			units = append(units, u)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return units, nil
}

func pullRequestUnit(pr *github.PullRequest) (reconcile.DesiredUnit, bool) {
	head := pr.GetHead()
	// The head repository is nil when the fork was deleted.
	if head.GetRepo() == nil {
		return reconcile.DesiredUnit{}, false
	}

	var labelIDs []int64
	for _, l := range pr.Labels {
		labelIDs = append(labelIDs, l.GetID())
	}

	return reconcile.DesiredUnit{
		Label:          reconcile.PullRequestLabel(pr.GetNumber()),
		Kind:           reconcile.KindPullRequest,
		SourceBranch:   head.GetRef(),
		SourceRevision: head.GetSHA(),
		CloneURL:       head.GetRepo().GetCloneURL(),
		Title:          pr.GetTitle(),
		URL:            pr.GetHTMLURL(),
		Author:         pr.GetUser().GetLogin(),
		LabelIDs:       labelIDs,
	}, true
}

// GetBranchHead returns the head commit of branch.
func (g *GitHub) GetBranchHead(ctx context.Context, branch string) (reconcile.BranchHead, error) {
	b, _, err := g.client.Repositories.GetBranch(ctx, g.owner, g.repo, branch, 1)
	if err != nil {
		return reconcile.BranchHead{}, fmt.Errorf("failed to get branch %s: %w", branch, err)
	}

	commit := b.GetCommit()
	if commit.GetSHA() == "" {
		return reconcile.BranchHead{}, fmt.Errorf("branch %s has no head commit", branch)
	}
	title, _, _ := strings.Cut(commit.GetCommit().GetMessage(), "\n")

	return reconcile.BranchHead{
		Revision: commit.GetSHA(),
		Title:    title,
		Author:   commit.GetCommit().GetAuthor().GetName(),
		URL:      commit.GetHTMLURL(),
	}, nil
}

// CloneURL is the clone URL of the repository itself.
func (g *GitHub) CloneURL() string {
	return g.cloneURL
}
