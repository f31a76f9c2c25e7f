package tasks

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/harvest-crawler/harvest/internal/analyze"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/storage"
)

// KindExport writes analyzed pages to a spreadsheet or data file.
const KindExport = "export"

// Export formats.
const (
	FormatXLSX = "xlsx"
	FormatCSV  = "csv"
	FormatJSON = "json"
)

var exportColumns = []string{
	"URL", "Title", "Classification", "Published", "Language", "Words", "Topics", "Places",
}

// exportRow is one exported page in column order.
type exportRow struct {
	values map[string]any
}

// ExportTask collects matching analyses and writes them out in one
// pass. Output files are written whole, so export runs are not
// checkpointed; a resumed export starts over.
type ExportTask struct {
	store          *storage.Store
	urls           *storage.URLStore
	format         string
	path           string
	classification string
	maxRows        int
	batch          int
}

// ExportFactory builds export tasks. Params: "format" (xlsx, csv or
// json), "path" (output file), "classification" (default article),
// "max_rows" (0 = unlimited).
func ExportFactory(store *storage.Store, urls *storage.URLStore) Factory {
	return func(params map[string]any) (Task, error) {
		format := paramString(params, "format", FormatXLSX)
		switch format {
		case FormatXLSX, FormatCSV, FormatJSON:
		default:
			return nil, errkind.Newf(errkind.InvalidInput, "unsupported export format %q", format)
		}
		path := paramString(params, "path", "")
		if path == "" {
			path = fmt.Sprintf("harvest-export-%s.%s", time.Now().Format("20060102-150405"), format)
		}
		return &ExportTask{
			store:          store,
			urls:           urls,
			format:         format,
			path:           path,
			classification: paramString(params, "classification", analyze.ClassArticle),
			maxRows:        paramInt(params, "max_rows", 0),
			batch:          paramInt(params, "batch", defaultBatchSize),
		}, nil
	}
}

func (t *ExportTask) Kind() string { return KindExport }

func (t *ExportTask) Execute(ctx *TaskContext) error {
	total, err := t.store.AnalysisCount(t.classification)
	if err != nil {
		return err
	}
	if t.maxRows > 0 && total > t.maxRows {
		total = t.maxRows
	}

	var rows []exportRow
	afterID := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := t.store.AnalysesPage(afterID, t.batch, t.classification)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		for _, a := range page {
			afterID = a.ID
			rows = append(rows, t.rowFor(a))
			ctx.Progress(len(rows), total, "collecting")
			if t.maxRows > 0 && len(rows) >= t.maxRows {
				goto write
			}
		}
	}

write:
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx.Progress(len(rows), total, "writing "+t.path)

	switch t.format {
	case FormatCSV:
		err = t.writeCSV(rows)
	case FormatJSON:
		err = t.writeJSON(rows)
	default:
		err = t.writeXLSX(rows)
	}
	if err != nil {
		return err
	}

	ctx.Progress(len(rows), total, "done")
	ctx.Logger.Info("export written")
	return nil
}

func (t *ExportTask) rowFor(a *storage.Analysis) exportRow {
	rawURL, err := t.urls.Resolve(a.URLID)
	if err != nil {
		rawURL = fmt.Sprintf("url:%d", a.URLID)
	}
	return exportRow{values: map[string]any{
		"URL":            rawURL,
		"Title":          a.Title,
		"Classification": a.Classification,
		"Published":      a.PublishedAt,
		"Language":       a.Language,
		"Words":          a.WordCount,
		"Topics":         strings.Join(a.TopicIDs, ", "),
		"Places":         len(a.PlaceIDs),
	}}
}

func (t *ExportTask) writeCSV(rows []exportRow) error {
	file, err := os.Create(t.path)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "create export file")
	}
	defer file.Close()

	// UTF-8 BOM so Excel opens the file correctly.
	if _, err := file.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "write export file")
	}

	w := csv.NewWriter(file)
	defer w.Flush()

	if err := w.Write(exportColumns); err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "write export header")
	}
	for _, row := range rows {
		record := make([]string, len(exportColumns))
		for i, col := range exportColumns {
			record[i] = formatValue(row.values[col])
		}
		if err := w.Write(record); err != nil {
			return errkind.Wrap(errkind.StorageFailure, err, "write export row")
		}
	}
	w.Flush()
	return w.Error()
}

func (t *ExportTask) writeJSON(rows []exportRow) error {
	file, err := os.Create(t.path)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "create export file")
	}
	defer file.Close()

	payload := struct {
		Metadata map[string]any   `json:"metadata"`
		Rows     []map[string]any `json:"rows"`
	}{
		Metadata: map[string]any{
			"classification": t.classification,
			"total_count":    len(rows),
			"generated":      time.Now().Format(time.RFC3339),
			"columns":        exportColumns,
		},
		Rows: make([]map[string]any, 0, len(rows)),
	}
	for _, row := range rows {
		payload.Rows = append(payload.Rows, row.values)
	}

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "encode export")
	}
	return nil
}

func (t *ExportTask) writeXLSX(rows []exportRow) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := sanitizeSheetName(t.classification + " export")
	index, err := f.NewSheet(sheet)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "export sheet")
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"00C853"}},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	evenRowStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"F5F5F5"}},
	})

	for i, col := range exportColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, col)
		f.SetCellStyle(sheet, cell, cell, headerStyle)

		colName, _ := excelize.ColumnNumberToName(i + 1)
		width := float64(len(col) + 5)
		if width < 15 {
			width = 15
		}
		if col == "URL" || col == "Title" {
			width = 50
		}
		f.SetColWidth(sheet, colName, colName, width)
	}

	for rowIdx, row := range rows {
		for i, col := range exportColumns {
			cell, _ := excelize.CoordinatesToCellName(i+1, rowIdx+2)
			f.SetCellValue(sheet, cell, row.values[col])
			if rowIdx%2 == 1 {
				f.SetCellStyle(sheet, cell, cell, evenRowStyle)
			}
		}
	}

	lastCol, _ := excelize.ColumnNumberToName(len(exportColumns))
	f.AutoFilter(sheet, fmt.Sprintf("%s!A1:%s%d", sheet, lastCol, len(rows)+1), nil)
	f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})

	t.addMetadataSheet(f, len(rows))

	if err := f.SaveAs(t.path); err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "save export")
	}
	return nil
}

func (t *ExportTask) addMetadataSheet(f *excelize.File, rowCount int) {
	sheet := "Metadata"
	f.NewSheet(sheet)

	metadata := [][]string{
		{"Classification", t.classification},
		{"Total Rows", fmt.Sprintf("%d", rowCount)},
		{"Generated", time.Now().Format(time.RFC3339)},
		{"Tool", "Harvest Crawler"},
	}
	for i, row := range metadata {
		f.SetCellValue(sheet, fmt.Sprintf("A%d", i+1), row[0])
		f.SetCellValue(sheet, fmt.Sprintf("B%d", i+1), row[1])
	}
	f.SetColWidth(sheet, "A", "A", 20)
	f.SetColWidth(sheet, "B", "B", 50)
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		return fmt.Sprintf("%.2f", val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// sanitizeSheetName keeps sheet names within Excel's rules.
func sanitizeSheetName(name string) string {
	for _, ch := range []string{"\\", "/", "?", "*", "[", "]", ":"} {
		name = strings.ReplaceAll(name, ch, "_")
	}
	if len(name) > 31 {
		name = name[:31]
	}
	return name
}
