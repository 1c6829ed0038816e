package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"bloom/internal/scandb"
)

// column describes one table column. Numeric columns are right aligned.
type column struct {
	title   string
	numeric bool
}

var (
	scanColumns = []column{
		{title: "ID"},
		{title: "Captured"},
		{title: "Experiment"},
		{title: "Plant"},
		{title: "Wave", numeric: true},
		{title: "Phenotyper"},
		{title: "Frames", numeric: true},
	}
	frameColumns = []column{
		{title: "Frame", numeric: true},
		{title: "Degrees", numeric: true},
		{title: "Status"},
		{title: "File"},
	}
)

// renderScanTable lists scans newest first, as the store returns them. The
// caller prints the paging line.
func renderScanTable(scans []*scandb.Scan) string {
	rows := make([][]string, 0, len(scans))
	for _, scan := range scans {
		id := scan.ID
		if scan.Deleted {
			id += " (deleted)"
		}
		rows = append(rows, []string{
			id,
			scan.CaptureDate.Local().Format("2006-01-02 15:04"),
			scan.ExperimentID,
			scan.PlantID,
			strconv.Itoa(scan.WaveNumber),
			scan.PhenotyperID,
			strconv.Itoa(scan.FrameCount),
		})
	}
	return renderTable(scanColumns, rows, "")
}

// renderFrameTable lists a scan's frames by their stored 1-based number.
func renderFrameTable(images []scandb.Image) string {
	rows := make([][]string, 0, len(images))
	for _, img := range images {
		rows = append(rows, []string{
			strconv.Itoa(img.FrameNumber),
			strconv.FormatFloat(img.PositionDegrees, 'f', 1, 64),
			img.Status,
			filepath.Base(img.Path),
		})
	}
	return renderTable(frameColumns, rows, countLabel(len(images), "frame"))
}

func countLabel(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func renderTable(columns []column, rows [][]string, footer string) string {
	if len(columns) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(columns))
	configs := make([]table.ColumnConfig, len(columns))
	for i, col := range columns {
		header[i] = col.title
		align := text.AlignLeft
		if col.numeric {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		r := make(table.Row, len(columns))
		for i := range r {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}
	if footer != "" {
		tw.SetCaption("%s", footer)
	}
	return tw.Render()
}
