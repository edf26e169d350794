// Package analysis implements the data_analysis task type: summary
// statistics over a configured series of values.
package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"taskpilot/internal/worker"
)

const TaskType = "data_analysis"

type Handler struct{}

func New() *Handler { return &Handler{} }

func (h *Handler) Handle(ctx context.Context, req worker.Request) (worker.Result, error) {
	raw, ok := req.TaskConfig["values"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("data_analysis: values is required and must be a non-empty array")
	}
	values := make([]float64, 0, len(raw))
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("data_analysis: values[%d] is not a number", i)
		}
		values = append(values, f)
	}

	analysisType, _ := req.TaskConfig["analysis_type"].(string)
	if analysisType == "" {
		analysisType = "summary"
	}
	dataSource, _ := req.TaskConfig["data_source"].(string)

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	return worker.Result{
		"data_source":   dataSource,
		"analysis_type": analysisType,
		"count":         len(values),
		"min":           sorted[0],
		"max":           sorted[len(sorted)-1],
		"mean":          mean,
		"median":        median(sorted),
		"stddev":        math.Sqrt(variance),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
