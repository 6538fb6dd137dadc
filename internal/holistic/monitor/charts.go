package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/holistic.report/internal/holistic/l3features"
	"github.com/banshee-data/holistic.report/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleQualityChart renders recent frame quality as an HTML line chart with
// the gate threshold marked. Debugging only.
func (s *Server) handleQualityChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	samples := s.quality.Samples()

	xs := make([]string, len(samples))
	quality := make([]opts.LineData, len(samples))
	window := make([]opts.LineData, len(samples))
	for i, smp := range samples {
		xs[i] = strconv.FormatInt(int64(smp.Timestamp), 10)
		quality[i] = opts.LineData{Value: smp.Quality}
		window[i] = opts.LineData{Value: smp.WindowLen}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Frame quality", Width: "100%", Height: "520px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Frame quality", Subtitle: fmt.Sprintf("frames=%d threshold=%d resets=%d", len(samples), s.threshold, s.quality.Resets())}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame ts"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "quality", Min: 0, Max: l3features.MaxQuality}),
	)
	line.SetXAxis(xs).
		AddSeries("quality", quality,
			charts.WithMarkLineNameYAxisItemOpts(opts.MarkLineNameYAxisItem{Name: "threshold", YAxis: s.threshold})).
		AddSeries("window", window)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleQualityPlot renders the same series as a PNG with gonum/plot.
func (s *Server) handleQualityPlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	wt, err := renderQualityPlot(s.quality.Samples(), s.threshold)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		s.logf("Failed to write quality plot: %v", err)
	}
}

func renderQualityPlot(samples []QualitySample, threshold int) (io.WriterTo, error) {
	p := plot.New()
	p.Title.Text = "Frame quality"
	p.X.Label.Text = "Frame ts"
	p.Y.Label.Text = "Quality"
	p.Y.Min = 0
	p.Y.Max = l3features.MaxQuality
	p.Add(plotter.NewGrid())

	if len(samples) == 0 {
		p.X.Min, p.X.Max = 0, 1
	} else {
		pts := make(plotter.XYs, len(samples))
		for i, smp := range samples {
			pts[i] = plotter.XY{X: float64(smp.Timestamp), Y: float64(smp.Quality)}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("quality line: %w", err)
		}
		line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add("quality", line)
	}

	gate := plotter.NewFunction(func(float64) float64 { return float64(threshold) })
	gate.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	gate.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(gate)
	p.Legend.Add("threshold", gate)

	return p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
}
