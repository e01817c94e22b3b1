package engine

import (
	"context"
	"log/slog"
	"time"

	"civicflow/internal/domain"
	"civicflow/internal/metrics"
	"civicflow/internal/ranking"
)

const feedCachePrefix = "feed:"

// FeedQuery selects a page of the public feed.
type FeedQuery struct {
	Mode     ranking.Mode
	Category domain.Category
	Offset   int
	Limit    int
	// ViewerID, when set, fills in each entry's own vote.
	ViewerID string
}

type FeedEntry struct {
	Complaint domain.Complaint  `json:"complaint"`
	Score     int               `json:"score"`
	Own       *domain.Direction `json:"own,omitempty"`
}

type FeedPage struct {
	Mode    ranking.Mode `json:"mode"`
	Total   int          `json:"total"`
	Offset  int          `json:"offset"`
	Limit   int          `json:"limit"`
	Entries []FeedEntry  `json:"entries"`
}

// Feed ranks public, non-anonymous, non-archived complaints. The candidate
// snapshot may come from the cache; ranking always uses the current time.
func (e Engine) Feed(ctx context.Context, q FeedQuery) (FeedPage, error) {
	if q.Mode == "" {
		q.Mode = ranking.ModeHot
	}
	if _, err := ranking.ParseMode(string(q.Mode)); err != nil {
		return FeedPage{}, validationFailed("", "%s", err.Error())
	}
	if q.Category != "" && !q.Category.Valid() {
		return FeedPage{}, validationFailed("", "category %q is not recognised", q.Category)
	}
	if q.Offset < 0 {
		return FeedPage{}, validationFailed("", "offset cannot be negative")
	}
	if q.Limit <= 0 {
		q.Limit = e.defaultFeedLimit()
	}
	snapshot, err := e.feedSnapshot(ctx, q.Category)
	if err != nil {
		return FeedPage{}, err
	}

	start := time.Now()
	byID := make(map[string]domain.Complaint, len(snapshot))
	items := make([]ranking.Item, 0, len(snapshot))
	for _, c := range snapshot {
		byID[c.ID] = c
		items = append(items, ranking.Item{
			ID:        c.ID,
			CreatedAt: c.CreatedAt,
			Upvotes:   c.Upvotes,
			Downvotes: c.Downvotes,
			ViewCount: c.ViewCount,
		})
	}
	ranked := ranking.Page(ranking.RankWith(items, q.Mode, e.now(), e.rankingParams()), q.Offset, q.Limit)
	metrics.ObserveFeedRank(time.Since(start))

	ids := make([]string, len(ranked))
	for i, it := range ranked {
		ids[i] = it.ID
	}
	own, err := e.Repo.VoteDirections(ctx, q.ViewerID, ids)
	if err != nil {
		return FeedPage{}, err
	}
	page := FeedPage{Mode: q.Mode, Total: len(items), Offset: q.Offset, Limit: q.Limit, Entries: make([]FeedEntry, 0, len(ranked))}
	for _, it := range ranked {
		entry := FeedEntry{Complaint: byID[it.ID], Score: it.Score()}
		if d, ok := own[it.ID]; ok {
			entry.Own = &d
		}
		page.Entries = append(page.Entries, entry)
	}
	return page, nil
}

func (e Engine) feedSnapshot(ctx context.Context, category domain.Category) ([]domain.Complaint, error) {
	ttl := e.Config.FeedCacheTTL()
	if e.Cache == nil || ttl <= 0 {
		return e.Repo.FeedSnapshot(ctx, category)
	}
	key := feedCacheKey(category)
	var cached []domain.Complaint
	hit, err := e.Cache.GetJSON(ctx, key, &cached)
	if err != nil {
		e.Log.Warn(ctx, "feed_cache_error", "feed cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	metrics.ObserveFeedCache(hit)
	if hit {
		return cached, nil
	}
	snapshot, err := e.Repo.FeedSnapshot(ctx, category)
	if err != nil {
		return nil, err
	}
	if err := e.Cache.SetJSON(ctx, key, snapshot, ttl); err != nil {
		e.Log.Warn(ctx, "feed_cache_error", "feed cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	return snapshot, nil
}

// invalidateFeed drops cached snapshots after any change that can move a
// complaint in or out of the feed or change its counters.
func (e Engine) invalidateFeed(ctx context.Context) {
	if e.Cache == nil {
		return
	}
	if err := e.Cache.DeletePrefix(ctx, feedCachePrefix); err != nil {
		e.Log.Warn(ctx, "feed_cache_error", "feed cache invalidation failed", slog.String("error", err.Error()))
	}
}

func feedCacheKey(category domain.Category) string {
	if category == "" {
		return feedCachePrefix + "snapshot:all"
	}
	return feedCachePrefix + "snapshot:" + string(category)
}

func (e Engine) rankingParams() ranking.Params {
	if e.Config == nil {
		return ranking.DefaultParams()
	}
	return ranking.Params{Gravity: e.Config.Ranking.Gravity, OffsetHours: e.Config.Ranking.OffsetHours}
}

func (e Engine) defaultFeedLimit() int {
	if e.Config != nil && e.Config.Feed.DefaultLimit > 0 {
		return e.Config.Feed.DefaultLimit
	}
	return 20
}
