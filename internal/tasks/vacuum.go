package tasks

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/httpcache"
	"github.com/harvest-crawler/harvest/internal/storage"
)

// KindVacuum reclaims space: expired cache entries, orphaned content
// payloads, then free database pages.
const KindVacuum = "vacuum"

type VacuumTask struct {
	store *storage.Store
	cache *httpcache.Cache
}

// VacuumFactory builds vacuum tasks. Takes no params.
func VacuumFactory(store *storage.Store, cache *httpcache.Cache) Factory {
	return func(params map[string]any) (Task, error) {
		return &VacuumTask{store: store, cache: cache}, nil
	}
}

func (t *VacuumTask) Kind() string { return KindVacuum }

func (t *VacuumTask) Execute(ctx *TaskContext) error {
	const steps = 3

	ctx.Progress(0, steps, "purging expired cache entries")
	purged, err := t.cache.PurgeExpired()
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	ctx.Progress(1, steps, fmt.Sprintf("purged %d cache entries", purged))

	pruned, err := t.store.PruneOrphanContents()
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	ctx.Progress(2, steps, fmt.Sprintf("pruned %d orphaned payloads", pruned))

	if err := t.store.Vacuum(); err != nil {
		return err
	}
	ctx.Progress(steps, steps, "done")

	ctx.Logger.Info("vacuum complete",
		zap.Int64("cache_purged", purged),
		zap.Int("contents_pruned", pruned))
	return nil
}
