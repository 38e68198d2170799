package lens

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-analyze/charts"
)

const (
	maxChartPoints   = 120
	chartWidth       = 1024
	memoryRowHeight  = 420
	hotspotRowHeight = 220
)

// ChartOutputType returns the charts output format for a file name or extension.
func ChartOutputType(name string) (string, error) {
	name = strings.ToLower(name)
	if strings.HasSuffix(name, "png") {
		return charts.ChartOutputPNG, nil
	} else if strings.HasSuffix(name, "jpg") || strings.HasSuffix(name, "jpeg") {
		return charts.ChartOutputJPG, nil
	} else if strings.HasSuffix(name, "svg") {
		return charts.ChartOutputSVG, nil
	}
	return "", fmt.Errorf("unhandled chart file type: %s", name)
}

// ChartContentType returns the HTTP content type for a charts output format.
func ChartContentType(outputType string) string {
	switch outputType {
	case charts.ChartOutputSVG:
		return "image/svg+xml"
	case charts.ChartOutputJPG:
		return "image/jpeg"
	default:
		return "image/png"
	}
}

// WriteRunCharts renders the memory and hotspot charts of a run to the path, the format is selected by the
// file extension.
func WriteRunCharts(path, title string, resp *RunResponse) error {
	outputType, err := ChartOutputType(path)
	if err != nil {
		return err
	}
	if buf, err := RenderRunCharts(outputType, title, resp); err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

// RenderRunCharts renders the memory growth of a run, followed by its most executed lines when any line
// repeated.
func RenderRunCharts(outputType, title string, resp *RunResponse) ([]byte, error) {
	if resp == nil {
		return nil, errors.New("no run to render")
	}
	metrics := resp.PerformanceMetrics
	if metrics == nil {
		aggregated := AggregatePerformance(&resp.TraceResult)
		metrics = &aggregated
	}

	height := memoryRowHeight
	if len(metrics.Hotspots) > 0 {
		height += hotspotRowHeight
	}
	p := charts.NewPainter(charts.PainterOptions{
		OutputFormat: outputType,
		Width:        chartWidth,
		Height:       height,
	})
	if err := renderRunChartsToPainter(p, title, *metrics); err != nil {
		return nil, err
	}
	return p.Bytes()
}

func renderRunChartsToPainter(p *charts.Painter, title string, metrics PerformanceMetrics) error {
	const chartPadding = 10
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBoxEqual(chartPadding)))

	layoutBuilder := p.LayoutByRows().
		Row().Height(strconv.Itoa(memoryRowHeight - chartPadding)).Columns("memory")
	if len(metrics.Hotspots) > 0 {
		layoutBuilder = layoutBuilder.Row().Columns("hotspots")
	}
	painters, err := layoutBuilder.Build()
	if err != nil {
		return fmt.Errorf("error building chart layout: %w", err)
	}

	labels, heap, locals := sampleMemoryPattern(metrics.MemoryUsagePattern, maxChartPoints)
	memoryOpt := charts.NewLineChartOptionWithData([][]float64{heap, locals})
	memoryOpt.Theme = charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorRed,
			charts.ColorGreenAlt1,
		})
	memoryOpt.Title.Text = "Memory Usage"
	if title != "" {
		memoryOpt.Title.Text += " (" + title + ")"
	}
	memoryOpt.XAxis.Labels = labels
	memoryOpt.Legend.SeriesNames = []string{"Heap objects", "Local variables"}
	if err := painters["memory"].LineChart(memoryOpt); err != nil {
		return fmt.Errorf("error rendering chart: %w", err)
	}

	if len(metrics.Hotspots) == 0 {
		return nil
	}
	counts := make([]float64, len(metrics.Hotspots))
	lines := make([]string, len(metrics.Hotspots))
	var peak int
	// reversed so the most executed line is drawn at the top
	for i, h := range metrics.Hotspots {
		j := len(metrics.Hotspots) - 1 - i
		counts[j] = float64(h.Executions)
		lines[j] = "line " + strconv.Itoa(h.Line)
		peak = max(peak, h.Executions)
	}
	hotspotOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{counts})
	hotspotOpt.Theme = charts.GetTheme(charts.ThemeLight).WithBackgroundColor(charts.ColorTransparent)
	hotspotOpt.Title.Text = "Most Executed Lines"
	hotspotOpt.XAxis.Unit = axisUnitForMax(peak)
	hotspotOpt.YAxis.Labels = lines
	hotspotOpt.SeriesList[0].Label.Show = charts.Ptr(true)
	hotspotOpt.SeriesList[0].Label.ValueFormatter = func(f float64) string {
		return charts.FormatValueHumanize(f, 0, false)
	}
	if err := painters["hotspots"].HorizontalBarChart(hotspotOpt); err != nil {
		return fmt.Errorf("error rendering chart: %w", err)
	}
	return nil
}

// sampleMemoryPattern reduces the pattern to at most limit points, each point holding the peak values of the
// steps it covers.
func sampleMemoryPattern(pattern []MemoryPoint, limit int) ([]string, []float64, []float64) {
	if len(pattern) == 0 {
		return []string{"0"}, []float64{0}, []float64{0}
	}
	bucket := (len(pattern) + limit - 1) / limit
	count := (len(pattern) + bucket - 1) / bucket
	labels := make([]string, 0, count)
	heap := make([]float64, 0, count)
	locals := make([]float64, 0, count)
	for start := 0; start < len(pattern); start += bucket {
		end := min(start+bucket, len(pattern))
		var peakHeap, peakLocals int
		for _, mp := range pattern[start:end] {
			peakHeap = max(peakHeap, mp.HeapObjects)
			peakLocals = max(peakLocals, mp.LocalVariables)
		}
		labels = append(labels, strconv.Itoa(pattern[start].Step))
		heap = append(heap, float64(peakHeap))
		locals = append(locals, float64(peakLocals))
	}
	return labels, heap, locals
}

func axisUnitForMax(val int) float64 {
	if val >= 8000 {
		return 2000
	} else if val > 2000 {
		return 1000
	} else if val >= 800 {
		return 200
	} else if val > 200 {
		return 100
	} else if val >= 80 {
		return 20
	} else if val > 20 {
		return 10
	} else if val >= 10 {
		return 2
	} else {
		return 1
	}
}
