// internal/github/client.go
package github

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	custom_errors "github-pr-dashboard/internal/errors"
	"github-pr-dashboard/internal/model"
)

const perPage = 100 // Max per page

// Client is a wrapper around the go-github client. Because each
// tracked repository may carry its own access token, the wrapper keeps
// one underlying client per token.
type Client struct {
	logger  *slog.Logger
	timeout time.Duration
	baseURL string // overridden in tests, empty means api.github.com

	mu      sync.Mutex
	clients map[string]*github.Client
}

// NewClient creates and configures a new Client instance. Every
// upstream call is wrapped with the given timeout; expiry surfaces as
// a fetch failure for that repository's cycle only.
func NewClient(logger *slog.Logger, timeout time.Duration) *Client {
	return &Client{
		logger:  logger,
		timeout: timeout,
		clients: make(map[string]*github.Client),
	}
}

// forToken returns the cached underlying client for a token, creating
// it on first use.
func (c *Client) forToken(token string) *github.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gh, ok := c.clients[token]; ok {
		return gh
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	gh := github.NewClient(tc)
	if c.baseURL != "" {
		gh, _ = gh.WithEnterpriseURLs(c.baseURL, c.baseURL)
	}
	c.clients[token] = gh
	return gh
}

// Snapshot fetches the current state of a repository: its metadata and
// the full list of open pull requests, each enriched with detail
// (additions/deletions/changed files, author identity). It is
// read-only against the upstream API.
func (c *Client) Snapshot(ctx context.Context, owner, name, token string) (*model.Snapshot, error) {
	gh := c.forToken(token)

	repo, err := c.getRepository(ctx, gh, owner, name)
	if err != nil {
		return nil, err
	}

	numbers, err := c.listOpenPullNumbers(ctx, gh, owner, name)
	if err != nil {
		return nil, err
	}

	// The list endpoint omits additions/deletions, so every open PR
	// needs a detail fetch.
	pulls := make([]model.FetchedPullRequest, 0, len(numbers))
	for _, number := range numbers {
		pr, err := c.getPullRequest(ctx, gh, owner, name, number)
		if err != nil {
			return nil, err
		}
		pulls = append(pulls, *pr)
	}

	return &model.Snapshot{Repository: *repo, PullRequests: pulls}, nil
}

func (c *Client) getRepository(ctx context.Context, gh *github.Client, owner, name string) (*model.Repository, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	repo, _, err := gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	return toInternalRepository(repo)
}

// listOpenPullNumbers pages through the open pull request list and
// returns the PR numbers. It handles API pagination transparently.
func (c *Client) listOpenPullNumbers(ctx context.Context, gh *github.Client, owner, name string) ([]int, error) {
	var numbers []int

	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	for {
		c.logger.Debug("Fetching open pull requests page", "owner", owner, "repo", name, "page", opts.Page)

		page, cancel := context.WithTimeout(ctx, c.timeout)
		pulls, resp, err := gh.PullRequests.List(page, owner, name, opts)
		cancel()
		if err != nil {
			return nil, err
		}

		for _, pr := range pulls {
			if pr.GetNumber() == 0 {
				return nil, &custom_errors.ErrMalformedPayload{Resource: "pull request", Field: "number"}
			}
			numbers = append(numbers, pr.GetNumber())
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return numbers, nil
}

func (c *Client) getPullRequest(ctx context.Context, gh *github.Client, owner, name string, number int) (*model.FetchedPullRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pr, _, err := gh.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, err
	}
	return toInternalPullRequest(pr)
}

// toInternalRepository translates and validates a github.Repository.
func toInternalRepository(r *github.Repository) (*model.Repository, error) {
	if r.GetID() == 0 {
		return nil, &custom_errors.ErrMalformedPayload{Resource: "repository", Field: "id"}
	}
	if r.GetOwner().GetLogin() == "" || r.GetName() == "" {
		return nil, &custom_errors.ErrMalformedPayload{Resource: "repository", Field: "owner/name"}
	}
	return &model.Repository{
		GithubRepoID:  r.GetID(),
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		DefaultBranch: r.GetDefaultBranch(),
		Description:   r.Description,
		URL:           r.GetHTMLURL(),
	}, nil
}

// toInternalPullRequest translates and validates a detailed
// github.PullRequest. PRs without an id, number, or author identity
// are rejected rather than defaulted.
func toInternalPullRequest(pr *github.PullRequest) (*model.FetchedPullRequest, error) {
	if pr.GetID() == 0 {
		return nil, &custom_errors.ErrMalformedPayload{Resource: "pull request", Field: "id"}
	}
	if pr.GetNumber() == 0 {
		return nil, &custom_errors.ErrMalformedPayload{Resource: "pull request", Field: "number"}
	}
	user := pr.GetUser()
	if user.GetID() == 0 {
		return nil, &custom_errors.ErrMalformedPayload{Resource: "pull request", Field: "author"}
	}

	return &model.FetchedPullRequest{
		GithubPRID:   pr.GetID(),
		Number:       pr.GetNumber(),
		Title:        pr.GetTitle(),
		Body:         pr.Body,
		State:        pr.GetState(),
		Additions:    pr.GetAdditions(),
		Deletions:    pr.GetDeletions(),
		ChangedFiles: pr.GetChangedFiles(),
		CreatedAt:    pr.GetCreatedAt().Time,
		MergedAt:     toTimePtr(pr.MergedAt),
		ClosedAt:     toTimePtr(pr.ClosedAt),
		Author: model.FetchedAuthor{
			GithubUserID: user.GetID(),
			Login:        user.GetLogin(),
			Name:         user.GetName(),
			AvatarURL:    user.GetAvatarURL(),
		},
	}, nil
}

func toTimePtr(ts *github.Timestamp) *time.Time {
	if ts == nil {
		return nil
	}
	t := ts.Time
	return &t
}
