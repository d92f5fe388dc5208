package qc

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"wisefido-lis/internal/domain"
)

// Point Levey-Jennings 图上的一个点
type Point struct {
	RunID      string           `json:"run_id"`
	RunAt      time.Time        `json:"run_at"`
	Value      float64          `json:"value"`
	Z          float64          `json:"z"`
	Verdict    domain.QCVerdict `json:"verdict"`
	Overridden bool             `json:"overridden"`
}

// Chart 质控序列与 ±1/2/3 SD 控制线
type Chart struct {
	Key    domain.QCKey `json:"key"`
	Stats  Stats        `json:"stats"`
	Points []Point      `json:"points"`
}

// Limit 均值加 k 个 SD
func (c Chart) Limit(k float64) float64 {
	return c.Stats.Mean + k*c.Stats.SD
}

// LeveyJennings 最近一个窗口内的质控序列，控制线按未拒收的点计算
func (e *Engine) LeveyJennings(ctx context.Context, key domain.QCKey) (*Chart, error) {
	runs, err := e.repo.ListSeries(ctx, key, e.opts.Now().Add(time.Second), e.opts.Window)
	if err != nil {
		return nil, err
	}
	chart := &Chart{Key: key, Stats: Describe(baseline(runs))}
	for _, r := range runs {
		chart.Points = append(chart.Points, Point{
			RunID:      r.RunID,
			RunAt:      r.RunAt,
			Value:      r.Value,
			Z:          chart.Stats.Z(r.Value),
			Verdict:    r.Verdict,
			Overridden: r.OverriddenBy != "",
		})
	}
	return chart, nil
}

const ljSheet = "LeveyJennings"

var ljHeader = []string{"Run At", "Value", "Mean", "+1SD", "-1SD", "+2SD", "-2SD", "+3SD", "-3SD", "Z", "Verdict"}

// ExportLeveyJennings 生成 Levey-Jennings xlsx（数据表 + 折线图）
func ExportLeveyJennings(chart *Chart) ([]byte, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(ljSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	for col, h := range ljHeader {
		if err := setCell(f, col+1, 1, h); err != nil {
			f.Close()
			return nil, err
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(ljHeader), 1)
	if err := f.SetCellStyle(ljSheet, "A1", last, headerStyle); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}
	if err := f.SetColWidth(ljSheet, "A", "A", 20); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}

	for i, p := range chart.Points {
		row := i + 2
		values := []interface{}{
			p.RunAt.Format("2006-01-02 15:04"),
			p.Value,
			chart.Stats.Mean,
			chart.Limit(1), chart.Limit(-1),
			chart.Limit(2), chart.Limit(-2),
			chart.Limit(3), chart.Limit(-3),
			p.Z,
			verdictLabel(p),
		}
		for col, v := range values {
			if err := setCell(f, col+1, row, v); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell at row %d: %w", row, err)
			}
		}
	}

	if n := len(chart.Points); n > 0 {
		if err := f.AddChart(ljSheet, "M2", lineChart(chart, n+1)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to add chart: %w", err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

func lineChart(chart *Chart, lastRow int) *excelize.Chart {
	categories := fmt.Sprintf("%s!$A$2:$A$%d", ljSheet, lastRow)
	series := func(col string) excelize.ChartSeries {
		return excelize.ChartSeries{
			Name:       fmt.Sprintf("%s!$%s$1", ljSheet, col),
			Categories: categories,
			Values:     fmt.Sprintf("%s!$%s$2:$%s$%d", ljSheet, col, col, lastRow),
			Marker:     excelize.ChartMarker{Symbol: "none"},
		}
	}
	value := series("B")
	value.Marker = excelize.ChartMarker{Symbol: "circle", Size: 5}

	title := fmt.Sprintf("%s %s L%s lot %s", chart.Key.AnalyzerID, chart.Key.TestID, chart.Key.Level, chart.Key.Lot)
	return &excelize.Chart{
		Type: excelize.Line,
		Series: []excelize.ChartSeries{
			value,
			series("C"),
			series("F"),
			series("G"),
			series("H"),
			series("I"),
		},
		Title:     []excelize.RichTextRun{{Text: title}},
		Legend:    excelize.ChartLegend{Position: "bottom"},
		Dimension: excelize.ChartDimension{Width: 720, Height: 360},
	}
}

func verdictLabel(p Point) string {
	if p.Overridden {
		return string(p.Verdict) + " (overridden)"
	}
	return string(p.Verdict)
}

func setCell(f *excelize.File, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(ljSheet, cell, value)
}
