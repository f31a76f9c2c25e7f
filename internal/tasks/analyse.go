package tasks

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/analyze"
	"github.com/harvest-crawler/harvest/internal/parse"
	"github.com/harvest-crawler/harvest/internal/simhash"
	"github.com/harvest-crawler/harvest/internal/storage"
)

// KindAnalyse re-classifies stored pages with the current analyzer and
// clusters near-duplicate articles by simhash.
const KindAnalyse = "analyse"

// Signatures closer than this Hamming distance mark a near-duplicate.
const nearDupDistance = 3

type analyseCursor struct {
	AfterID int64 `json:"after_id"`
}

// AnalyseTask walks content_analyses in id order. Rows at or below the
// cursor only warm the duplicate index, so clustering sees every prior
// signature after a resume; rows past it are re-analyzed and written
// back.
type AnalyseTask struct {
	store    *storage.Store
	urls     *storage.URLStore
	analyzer *analyze.Analyzer
	batch    int
}

// AnalyseFactory builds analyse tasks. Params: "batch" sets the page
// size.
func AnalyseFactory(store *storage.Store, urls *storage.URLStore, analyzer *analyze.Analyzer) Factory {
	return func(params map[string]any) (Task, error) {
		return &AnalyseTask{
			store:    store,
			urls:     urls,
			analyzer: analyzer,
			batch:    paramInt(params, "batch", defaultBatchSize),
		}, nil
	}
}

func (t *AnalyseTask) Kind() string { return KindAnalyse }

func (t *AnalyseTask) Execute(ctx *TaskContext) error {
	var cur analyseCursor
	resumed := ctx.DecodeCursor(&cur)

	total, err := t.store.AnalysisCount("")
	if err != nil {
		return err
	}

	index := simhash.NewIndex()
	processed := 0
	afterID := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := t.store.AnalysesPage(afterID, t.batch, "")
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			afterID = row.ID

			// Warm-up span on resume: index only, no rewrite.
			if resumed && row.ID <= cur.AfterID {
				if row.SimHash != 0 {
					index.Add(row.ContentID, row.SimHash)
				}
				continue
			}

			if err := t.reanalyze(row, index); err != nil {
				ctx.Logger.Warn("re-analysis failed",
					zap.Int64("content_id", row.ContentID), zap.Error(err))
			}
			cur.AfterID = row.ID
			processed++
			ctx.Checkpoint(cur)
			ctx.Progress(processed, total, fmt.Sprintf("analysis %d", row.ID))
		}
	}

	ctx.Progress(processed, total, "done")
	return nil
}

// reanalyze re-runs classification over the stored payload and flags
// near-duplicates against everything indexed so far.
func (t *AnalyseTask) reanalyze(row *storage.Analysis, index *simhash.Index) error {
	data, meta, err := t.store.GetContent(row.ContentID)
	if err != nil {
		return err
	}
	rawURL, err := t.urls.Resolve(row.URLID)
	if err != nil {
		return err
	}

	contentType := "text/html"
	var page *parse.Page
	switch meta.SubType {
	case "html", "text":
		if parsed, perr := parse.ParseHTML(rawURL, data); perr == nil {
			page = parsed
		}
	default:
		contentType = "application/octet-stream"
	}

	analysis := t.analyzer.Analyze(&analyze.Input{
		URL:        rawURL,
		URLID:      row.URLID,
		ContentID:  row.ContentID,
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": contentType},
		Body:       data,
		Page:       page,
	})

	if analysis.SimHash != 0 {
		if dups := index.Similar(analysis.SimHash, nearDupDistance); len(dups) > 0 {
			if analysis.Signals == nil {
				analysis.Signals = map[string]any{}
			}
			analysis.Signals["duplicate_of"] = dups[0]
		}
		index.Add(row.ContentID, analysis.SimHash)
	}

	return t.store.PutAnalysis(analysis)
}
