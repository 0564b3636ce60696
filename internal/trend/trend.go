// Package trend projects a course's attendance rate from its past sessions.
package trend

import "math"

// Labels.
const (
	Improving    = "Improving"
	Declining    = "Declining"
	Stable       = "Stable"
	Insufficient = "Insufficient Data"
)

// MinRecords is the fewest records a course needs before a trend is computed.
const MinRecords = 3

const slopeThreshold = 0.05

// Sample is one attendance record reduced to what the estimator needs.
// Samples must be ordered by time; Day is the session key.
type Sample struct {
	Day     string
	Present bool
}

// Estimate is the derived trend for one course. ProjectedRate is nil when
// there is not enough data.
type Estimate struct {
	Label         string  `json:"label"`
	ProjectedRate *int    `json:"projected_rate"`
	Sessions      int     `json:"sessions"`
	Slope         float64 `json:"slope"`
}

// FromSamples groups samples into sessions by Day and estimates the trend
// over the per-session presence ratios.
func FromSamples(samples []Sample) Estimate {
	if len(samples) < MinRecords {
		return Estimate{Label: Insufficient}
	}
	return FromRatios(SessionRatios(samples))
}

// SessionRatios returns the presence ratio of each session in first-seen order.
func SessionRatios(samples []Sample) []float64 {
	type tally struct{ present, total int }
	var order []string
	sessions := make(map[string]*tally)
	for _, s := range samples {
		t, ok := sessions[s.Day]
		if !ok {
			t = &tally{}
			sessions[s.Day] = t
			order = append(order, s.Day)
		}
		t.total++
		if s.Present {
			t.present++
		}
	}
	ratios := make([]float64, 0, len(order))
	for _, day := range order {
		t := sessions[day]
		ratios = append(ratios, float64(t.present)/float64(t.total))
	}
	return ratios
}

// FromRatios labels a series of session ratios by its least-squares slope
// and projects the mean rate as a whole percent.
func FromRatios(ratios []float64) Estimate {
	if len(ratios) == 0 {
		return Estimate{Label: Insufficient}
	}
	slope := Slope(ratios)
	label := Stable
	switch {
	case slope > slopeThreshold:
		label = Improving
	case slope < -slopeThreshold:
		label = Declining
	}
	var sum float64
	for _, r := range ratios {
		sum += r
	}
	rate := int(math.Round(sum / float64(len(ratios)) * 100))
	return Estimate{Label: label, ProjectedRate: &rate, Sessions: len(ratios), Slope: slope}
}

// Slope is the ordinary least-squares slope of ys against 0..n-1. A single
// point (zero denominator) has slope 0.
func Slope(ys []float64) float64 {
	n := float64(len(ys))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / den
}
