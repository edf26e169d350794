// Package report implements the report_generation task type: it renders a
// text report from a template and the task's parameters.
package report

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"taskpilot/internal/worker"
)

const TaskType = "report_generation"

const defaultTemplate = `Report: {{.Title}}
Generated: {{.Generated}}
{{range $k, $v := .Params}}{{$k}}: {{$v}}
{{end}}`

type Handler struct{}

func New() *Handler { return &Handler{} }

func (h *Handler) Handle(ctx context.Context, req worker.Request) (worker.Result, error) {
	title, _ := req.TaskConfig["title"].(string)
	if title == "" {
		return nil, fmt.Errorf("report_generation: title is required")
	}

	tmplText := defaultTemplate
	if v, ok := req.TaskConfig["template"].(string); ok && v != "" {
		tmplText = v
	}
	params, _ := req.TaskConfig["parameters"].(map[string]any)

	tmpl, err := template.New("report").Parse(tmplText)
	if err != nil {
		return nil, fmt.Errorf("report_generation: bad template: %w", err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, map[string]any{
		"Title":     title,
		"Generated": time.Now().UTC().Format(time.RFC3339),
		"Params":    params,
	})
	if err != nil {
		return nil, fmt.Errorf("report_generation: render: %w", err)
	}

	return worker.Result{
		"title":     title,
		"report":    buf.String(),
		"size":      buf.Len(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
