package tasks

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/analyze"
	"github.com/harvest-crawler/harvest/internal/compress"
	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/gazetteer"
	"github.com/harvest-crawler/harvest/internal/httpcache"
	"github.com/harvest-crawler/harvest/internal/storage"
	"github.com/harvest-crawler/harvest/internal/urlutil"
)

type taskEnv struct {
	cfg   *config.Config
	store *storage.Store
	urls  *storage.URLStore
	cache *httpcache.Cache
	mgr   *Manager
	dir   string
}

func newTaskEnv(t *testing.T) *taskEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "harvest.db"), filepath.Join(dir, "content"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Initialize())
	t.Cleanup(func() { store.Close() })

	urls, err := storage.NewURLStore(store, urlutil.DefaultNormalizer(config.DefaultTrackingParams))
	require.NoError(t, err)

	cfg := config.Default()
	cache := httpcache.New(store, cfg.Compression, cfg.Cache, zap.NewNop())

	mgr := NewManager(store, nil, 2, zap.NewNop())
	t.Cleanup(mgr.Close)

	analyzer := analyze.New(gazetteer.NewIndex(zap.NewNop()), analyze.DefaultTopics())
	mgr.Register(KindCompress, CompressFactory(store, cfg.Compression))
	mgr.Register(KindAnalyse, AnalyseFactory(store, urls, analyzer))
	mgr.Register(KindExport, ExportFactory(store, urls))
	mgr.Register(KindVacuum, VacuumFactory(store, cache))

	return &taskEnv{cfg: cfg, store: store, urls: urls, cache: cache, mgr: mgr, dir: dir}
}

// runTask executes one task to settlement and returns its final row.
func (e *taskEnv) runTask(t *testing.T, kind string, params map[string]any) *storage.TaskRecord {
	t.Helper()
	id, err := e.mgr.Create(kind, params)
	require.NoError(t, err)
	require.NoError(t, e.mgr.Start(context.Background(), id))
	e.mgr.Wait()

	rec, err := e.mgr.Get(id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

// articleHTML builds a parseable page with enough body text to
// exercise analysis. marker keeps payload bytes distinct per page.
func articleHTML(title, marker string) []byte {
	text := "The regional water authority confirmed on Tuesday that reservoir " +
		"levels across the northern districts have fallen to their lowest " +
		"point in a decade, prompting officials to announce staged " +
		"restrictions for agricultural users beginning next month. Farmers " +
		"in the affected valleys say the measures arrive too late to save " +
		"this season's planting, while municipal suppliers warn that urban " +
		"rationing could follow if autumn rains disappoint again this year."
	return []byte(fmt.Sprintf(
		"<html><head><title>%s</title></head><body>%s<article><h1>%s</h1><p>%s</p></article></body></html>",
		title, marker, title, text))
}

func TestCompressTaskRecompressesStoredContent(t *testing.T) {
	env := newTaskEnv(t)

	body1 := []byte(strings.Repeat("water restrictions announced across the northern valley ", 40))
	body2 := []byte(strings.Repeat("reservoir levels fall to record lows before autumn rains ", 40))
	id1, err := env.store.PutContent(body1, "html", "none")
	require.NoError(t, err)
	id2, err := env.store.PutContent(body2, "html", "none")
	require.NoError(t, err)

	rec := env.runTask(t, KindCompress, nil)
	assert.Equal(t, storage.TaskCompleted, rec.Status)
	assert.Contains(t, rec.ProgressJSON, `"detail":"done"`)

	// The default preset for html is zstd-3.
	want, err := compress.ByName("zstd-3")
	require.NoError(t, err)
	for _, id := range []int64{id1, id2} {
		data, meta, err := env.store.GetContent(id)
		require.NoError(t, err)
		assert.Equal(t, want.ID(), meta.CompressionTypeID)
		if id == id1 {
			assert.Equal(t, body1, data)
		} else {
			assert.Equal(t, body2, data)
		}
	}
}

func TestCompressTaskHonorsPresetParam(t *testing.T) {
	env := newTaskEnv(t)

	body := []byte(strings.Repeat("council vote on the transit budget ", 30))
	id, err := env.store.PutContent(body, "html", "none")
	require.NoError(t, err)

	rec := env.runTask(t, KindCompress, map[string]any{"preset": "gzip-6", "batch": 1})
	assert.Equal(t, storage.TaskCompleted, rec.Status)

	want, err := compress.ByName("gzip-6")
	require.NoError(t, err)
	data, meta, err := env.store.GetContent(id)
	require.NoError(t, err)
	assert.Equal(t, want.ID(), meta.CompressionTypeID)
	assert.Equal(t, body, data)

	// The cursor records how far the walk got.
	assert.Contains(t, rec.CursorJSON, `"after_id"`)
}

func TestAnalyseTaskReclassifiesAndFlagsNearDuplicates(t *testing.T) {
	env := newTaskEnv(t)

	u1, err := env.urls.Intern("https://news.example.com/2025/drought-report")
	require.NoError(t, err)
	u2, err := env.urls.Intern("https://mirror.example.net/syndicated/drought-report")
	require.NoError(t, err)

	// Same text, distinct bytes: the comment changes the hash of the
	// payload but not the extracted text.
	c1, err := env.store.PutContent(articleHTML("Drought report", ""), "html", "none")
	require.NoError(t, err)
	c2, err := env.store.PutContent(articleHTML("Drought report", "<!-- mirror -->"), "html", "none")
	require.NoError(t, err)
	require.NotEqual(t, c1, c2)

	// Seed stale rows the task will rewrite.
	require.NoError(t, env.store.PutAnalysis(&storage.Analysis{
		ContentID: c1, URLID: u1, Classification: analyze.ClassUnknown,
	}))
	require.NoError(t, env.store.PutAnalysis(&storage.Analysis{
		ContentID: c2, URLID: u2, Classification: analyze.ClassUnknown,
	}))

	rec := env.runTask(t, KindAnalyse, nil)
	assert.Equal(t, storage.TaskCompleted, rec.Status)

	first, err := env.store.GetAnalysis(c1)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.NotZero(t, first.SimHash)
	assert.Greater(t, first.WordCount, 20)
	assert.Equal(t, "Drought report", first.Title)
	_, firstIsDup := first.Signals["duplicate_of"]
	assert.False(t, firstIsDup, "first occurrence is the original")

	second, err := env.store.GetAnalysis(c2)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.SimHash, second.SimHash, "identical text hashes identically")
	require.Contains(t, second.Signals, "duplicate_of")
	assert.EqualValues(t, c1, second.Signals["duplicate_of"])
}

func TestExportTaskWritesJSON(t *testing.T) {
	env := newTaskEnv(t)
	seedExportRows(t, env)
	path := filepath.Join(env.dir, "articles.json")

	rec := env.runTask(t, KindExport, map[string]any{"format": "json", "path": path})
	assert.Equal(t, storage.TaskCompleted, rec.Status)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var payload struct {
		Metadata map[string]any   `json:"metadata"`
		Rows     []map[string]any `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, analyze.ClassArticle, payload.Metadata["classification"])
	require.Len(t, payload.Rows, 2)
	assert.Equal(t, "Dam levels fall", payload.Rows[0]["Title"])
	assert.Contains(t, payload.Rows[0]["URL"], "news.example.com")
}

func TestExportTaskWritesCSVWithBOM(t *testing.T) {
	env := newTaskEnv(t)
	seedExportRows(t, env)
	path := filepath.Join(env.dir, "articles.csv")

	rec := env.runTask(t, KindExport, map[string]any{"format": "csv", "path": path, "max_rows": 1})
	assert.Equal(t, storage.TaskCompleted, rec.Status)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, len(raw) > 3)
	assert.Equal(t, []byte{0xEF, 0xBB, 0xBF}, raw[:3])

	records, err := csv.NewReader(strings.NewReader(string(raw[3:]))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2, "header plus one row under max_rows")
	assert.Equal(t, exportColumns, records[0])
	assert.Equal(t, "Dam levels fall", records[1][1])
}

func TestExportTaskWritesXLSX(t *testing.T) {
	env := newTaskEnv(t)
	seedExportRows(t, env)
	path := filepath.Join(env.dir, "articles.xlsx")

	rec := env.runTask(t, KindExport, map[string]any{"format": "xlsx", "path": path})
	assert.Equal(t, storage.TaskCompleted, rec.Status)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	sheet := sanitizeSheetName(analyze.ClassArticle + " export")
	got, err := f.GetCellValue(sheet, "A1")
	require.NoError(t, err)
	assert.Equal(t, "URL", got)

	got, err = f.GetCellValue(sheet, "B2")
	require.NoError(t, err)
	assert.Equal(t, "Dam levels fall", got)

	got, err = f.GetCellValue("Metadata", "A1")
	require.NoError(t, err)
	assert.Equal(t, "Classification", got)
}

func TestExportTaskRejectsUnknownFormat(t *testing.T) {
	env := newTaskEnv(t)

	id, err := env.mgr.Create(KindExport, map[string]any{"format": "pdf"})
	require.NoError(t, err)
	err = env.mgr.Start(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported export format")
}

// seedExportRows stores two classified articles and one hub, so
// classification filtering is observable.
func seedExportRows(t *testing.T, env *taskEnv) {
	t.Helper()

	type page struct {
		url   string
		title string
		class string
	}
	pages := []page{
		{"https://news.example.com/2025/dam-levels", "Dam levels fall", analyze.ClassArticle},
		{"https://news.example.com/2025/rain-forecast", "Rain forecast shifts", analyze.ClassArticle},
		{"https://news.example.com/weather", "Weather", analyze.ClassHub},
	}
	for i, p := range pages {
		urlID, err := env.urls.Intern(p.url)
		require.NoError(t, err)
		contentID, err := env.store.PutContent(articleHTML(p.title, fmt.Sprintf("<!-- %d -->", i)), "html", "none")
		require.NoError(t, err)
		require.NoError(t, env.store.PutAnalysis(&storage.Analysis{
			ContentID:      contentID,
			URLID:          urlID,
			Classification: p.class,
			Title:          p.title,
			WordCount:      420,
			Language:       "en",
			TopicIDs:       []string{"environment"},
		}))
	}
}

func TestVacuumTaskPrunesOrphans(t *testing.T) {
	env := newTaskEnv(t)

	// Referenced by an analysis: survives.
	urlID, err := env.urls.Intern("https://news.example.com/kept")
	require.NoError(t, err)
	kept, err := env.store.PutContent(articleHTML("Kept", ""), "html", "none")
	require.NoError(t, err)
	require.NoError(t, env.store.PutAnalysis(&storage.Analysis{
		ContentID: kept, URLID: urlID, Classification: analyze.ClassArticle,
	}))

	// Referenced by nothing: pruned.
	_, err = env.store.PutContent([]byte("stray payload"), "html", "none")
	require.NoError(t, err)

	before, err := env.store.ContentCount()
	require.NoError(t, err)
	assert.Equal(t, 2, before)

	rec := env.runTask(t, KindVacuum, nil)
	assert.Equal(t, storage.TaskCompleted, rec.Status)
	assert.Contains(t, rec.ProgressJSON, `"detail":"done"`)

	after, err := env.store.ContentCount()
	require.NoError(t, err)
	assert.Equal(t, 1, after)

	_, meta, err := env.store.GetContent(kept)
	require.NoError(t, err)
	assert.Equal(t, kept, meta.ID)
}
