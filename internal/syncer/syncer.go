// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	custom_errors "github-pr-dashboard/internal/errors"
	"github-pr-dashboard/internal/model"
	"github-pr-dashboard/internal/store"
)

const (
	// Number of repositories to sync in parallel
	concurrency = 5
)

// RepoIdentifier holds the owner and name of a repository.
type RepoIdentifier struct {
	Owner string
	Name  string
}

// ParseRepoIdentifiers parses 'owner/name' strings from configuration.
func ParseRepoIdentifiers(repos []string) ([]RepoIdentifier, error) {
	var identifiers []RepoIdentifier
	for _, r := range repos {
		parts := strings.Split(r, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, &custom_errors.ErrInvalidRepoFormat{Repo: r}
		}
		identifiers = append(identifiers, RepoIdentifier{Owner: parts[0], Name: parts[1]})
	}
	return identifiers, nil
}

// Fetcher retrieves the current upstream state for one repository.
type Fetcher interface {
	Snapshot(ctx context.Context, owner, name, token string) (*model.Snapshot, error)
}

// Trigger schedules the downstream analysis workflow. Implementations
// are best-effort: they log their own failures and never block the
// caller's sync cycle.
type Trigger interface {
	TriggerAnalysis(repositoryID int64)
}

// Syncer orchestrates the periodic mirror of every tracked
// repository's open pull-request set.
type Syncer struct {
	store        store.Store
	fetcher      Fetcher
	trigger      Trigger
	logger       *slog.Logger
	defaultToken string
	syncInterval time.Duration

	// in-flight cycle guard, keyed by repository id. At most one
	// cycle per repository runs at a time; a tick that lands while a
	// previous cycle is still running is skipped.
	mu       sync.Mutex
	inFlight map[int64]bool

	// service context recorded by Start; manual background cycles
	// derive from it so they end with the rest of the service.
	baseCtx context.Context
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(st store.Store, fetcher Fetcher, trigger Trigger, logger *slog.Logger, defaultToken string, interval time.Duration) *Syncer {
	return &Syncer{
		store:        st,
		fetcher:      fetcher,
		trigger:      trigger,
		logger:       logger,
		defaultToken: defaultToken,
		syncInterval: interval,
		inFlight:     make(map[int64]bool),
	}
}

// EnsureRepositories links configured repositories that are not yet
// tracked, using the global token. Failures are logged per repository;
// a repository that cannot be linked now is retried on the next boot.
func (s *Syncer) EnsureRepositories(ctx context.Context, ids []RepoIdentifier) {
	for _, id := range ids {
		_, err := s.store.GetRepositoryByOwnerAndName(ctx, id.Owner, id.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Error("Failed to look up configured repository", "owner", id.Owner, "repo", id.Name, "error", err)
			continue
		}

		if s.defaultToken == "" {
			s.logger.Warn("Cannot link configured repository without GITHUB_TOKEN", "owner", id.Owner, "repo", id.Name)
			continue
		}

		snapshot, err := s.fetcher.Snapshot(ctx, id.Owner, id.Name, s.defaultToken)
		if err != nil {
			s.logger.Error("Failed to fetch configured repository", "owner", id.Owner, "repo", id.Name, "error", err)
			continue
		}

		if _, err := s.store.CreateRepository(ctx, store.CreateRepositoryParams{
			GithubRepoID:  snapshot.Repository.GithubRepoID,
			Owner:         snapshot.Repository.Owner,
			Name:          snapshot.Repository.Name,
			DefaultBranch: snapshot.Repository.DefaultBranch,
			Description:   snapshot.Repository.Description,
			URL:           snapshot.Repository.URL,
		}); err != nil {
			s.logger.Error("Failed to link configured repository", "owner", id.Owner, "repo", id.Name, "error", err)
			continue
		}
		s.logger.Info("Linked configured repository", "owner", id.Owner, "repo", id.Name)
	}
}

// Start begins the continuous synchronization process.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.logger.Info("Starting syncer", "interval", s.syncInterval.String(), "concurrency", concurrency)
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	s.runSyncCycle(ctx) // Initial sync

	for {
		select {
		case <-ticker.C:
			s.runSyncCycle(ctx)
		case <-ctx.Done():
			s.logger.Info("Syncer shutting down", "reason", ctx.Err())
			return
		}
	}
}

// runSyncCycle performs a synchronization pass for all tracked
// repositories concurrently. One repository's failure never aborts
// another's cycle.
func (s *Syncer) runSyncCycle(ctx context.Context) {
	repos, err := s.store.ListRepositories(ctx)
	if err != nil {
		s.logger.Error("Failed to list repositories for sync cycle", "error", err)
		return
	}

	s.logger.Info("Starting new sync cycle", "repositories", len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			err := s.SyncRepository(gctx, repo)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Failed to sync repository", "owner", repo.Owner, "repo", repo.Name, "error", err)
			}
			return nil
		})
	}

	_ = g.Wait()
	s.logger.Info("Sync cycle finished")
}

// SyncRepository runs one full cycle for a single repository:
// fetch -> reconcile all -> prune -> detect change -> trigger. If a
// cycle for the repository is already in flight the call is a no-op.
func (s *Syncer) SyncRepository(ctx context.Context, repo model.Repository) error {
	if !s.beginCycle(repo.ID) {
		s.logger.Debug("Sync cycle already in flight, skipping", "owner", repo.Owner, "repo", repo.Name)
		return nil
	}
	defer s.endCycle(repo.ID)

	logger := s.logger.With("owner", repo.Owner, "repo", repo.Name, "repo_id", repo.ID)

	token := repo.AccessToken
	if token == "" {
		token = s.defaultToken
	}
	if token == "" {
		// Not yet configured, not an error.
		logger.Debug("No access credential configured, skipping repository")
		return nil
	}

	// Capture the pre-cycle open set before any writes; the change
	// detector compares against it after the mirror is updated.
	before, err := s.store.ListOpenPullNumbers(ctx, repo.ID)
	if err != nil {
		return err
	}

	snapshot, err := s.fetcher.Snapshot(ctx, repo.Owner, repo.Name, token)
	if err != nil {
		return err
	}
	logger.Info("Fetched repository snapshot", "open_prs", len(snapshot.PullRequests))

	syncedAt := time.Now().UTC()
	if _, err := s.store.UpdateRepositoryMetadata(ctx, store.UpdateRepositoryMetadataParams{
		ID:            repo.ID,
		DefaultBranch: snapshot.Repository.DefaultBranch,
		Description:   snapshot.Repository.Description,
		URL:           snapshot.Repository.URL,
		SyncedAt:      syncedAt,
	}); err != nil {
		return err
	}

	// Reconcile sequentially: the aggregate recomputation is
	// read-then-write and not safe under intra-repository concurrency.
	fetched := make([]int, 0, len(snapshot.PullRequests))
	for _, pr := range snapshot.PullRequests {
		res, err := s.store.ReconcilePullRequest(ctx, store.ReconcilePullRequestParams{
			GithubRepoID: repo.GithubRepoID,
			PullRequest:  pr,
			SyncedAt:     syncedAt,
		})
		if err != nil {
			return err
		}
		if !res.Found {
			logger.Warn("Repository vanished during reconcile, aborting cycle")
			return nil
		}
		fetched = append(fetched, pr.Number)
	}

	// Prune only after every fetched PR is upserted, so a PR open in
	// both snapshots is never transiently deleted.
	pruned, err := s.store.PrunePullRequests(ctx, repo.ID, fetched)
	if err != nil {
		return err
	}
	if pruned > 0 {
		logger.Info("Pruned pull requests no longer open upstream", "count", pruned)
	}

	if openSetChanged(before, fetched) {
		logger.Info("Open pull-request set changed, triggering analysis",
			"before", len(before), "after", len(fetched))
		s.trigger.TriggerAnalysis(repo.ID)
	}

	return nil
}

// SyncRepositoryAsync runs a cycle in the background, for manual sync
// requests from the HTTP layer. Coalesced by the same in-flight guard.
// The cycle runs under the service context, so an in-progress manual
// sync is cut short on shutdown instead of outliving the process.
func (s *Syncer) SyncRepositoryAsync(repo model.Repository) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		if err := s.SyncRepository(ctx, repo); err != nil {
			s.logger.Error("Manual sync failed", "owner", repo.Owner, "repo", repo.Name, "error", err)
		}
	}()
}

func (s *Syncer) beginCycle(repoID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[repoID] {
		return false
	}
	s.inFlight[repoID] = true
	return true
}

func (s *Syncer) endCycle(repoID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, repoID)
}

// openSetChanged reports whether the open PR-number sets differ. It
// deliberately ignores content edits to existing open PRs; only PRs
// entering or leaving the open set count as a change.
func openSetChanged(before, after []int) bool {
	if len(before) != len(after) {
		return true
	}
	seen := make(map[int]struct{}, len(before))
	for _, n := range before {
		seen[n] = struct{}{}
	}
	for _, n := range after {
		if _, ok := seen[n]; !ok {
			return true
		}
	}
	return false
}
