package tasks

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/storage"
)

// KindCompress re-encodes stored content with the preset configured for
// its sub-type, or a preset named in the task params.
const KindCompress = "compress"

const defaultBatchSize = 200

// compressCursor is the resume point: the last content id settled.
type compressCursor struct {
	AfterID int64 `json:"after_id"`
}

// CompressTask walks the content table in id order and re-tiers each
// payload under its target codec. Payloads already under the target
// codec are counted but untouched.
type CompressTask struct {
	store   *storage.Store
	presets config.Compression
	preset  string
	batch   int
}

// CompressFactory builds compress tasks. Params: "preset" overrides the
// per-sub-type mapping, "batch" sets the page size.
func CompressFactory(store *storage.Store, presets config.Compression) Factory {
	return func(params map[string]any) (Task, error) {
		return &CompressTask{
			store:   store,
			presets: presets,
			preset:  paramString(params, "preset", ""),
			batch:   paramInt(params, "batch", defaultBatchSize),
		}, nil
	}
}

func (t *CompressTask) Kind() string { return KindCompress }

func (t *CompressTask) Execute(ctx *TaskContext) error {
	var cur compressCursor
	ctx.DecodeCursor(&cur)

	total, err := t.store.ContentCount()
	if err != nil {
		return err
	}

	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		metas, err := t.store.ContentsPage(cur.AfterID, t.batch)
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			break
		}

		for _, meta := range metas {
			if err := ctx.Err(); err != nil {
				return err
			}
			preset := t.preset
			if preset == "" {
				preset = t.presets.PresetFor(meta.SubType)
			}
			if err := t.store.RecompressContent(meta.ID, preset); err != nil {
				ctx.Logger.Warn("recompress failed", zap.Int64("content_id", meta.ID), zap.Error(err))
			}
			cur.AfterID = meta.ID
			processed++
			ctx.Checkpoint(cur)
			ctx.Progress(processed, total, fmt.Sprintf("content %d", meta.ID))
		}
	}

	ctx.Progress(processed, total, "done")
	return nil
}
