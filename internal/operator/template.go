package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// templateData is the dot value of command, subject and body templates.
type templateData struct {
	DS          string
	DSNodash    string
	TS          string
	LogicalDate time.Time
	RunID       string
	DAGID       string
	TaskID      string
	Attempt     int
	Conf        map[string]interface{}
}

// render expands a text/template against the task context. Besides the
// fields of templateData it provides ds, ts, run_id, conf and xcom helpers.
func render(ctx context.Context, tc *TaskContext, name, text string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	job := tc.Job
	logical := job.LogicalDate.UTC()
	data := templateData{
		DS:          logical.Format("2006-01-02"),
		DSNodash:    logical.Format("20060102"),
		TS:          logical.Format(time.RFC3339),
		LogicalDate: logical,
		RunID:       job.RunID,
		DAGID:       job.DAGID,
		TaskID:      job.TaskID,
		Attempt:     job.Attempt,
		Conf:        job.Conf,
	}

	funcs := template.FuncMap{
		"ds":     func() string { return data.DS },
		"ts":     func() string { return data.TS },
		"run_id": func() string { return data.RunID },
		"conf": func(key string) interface{} {
			if data.Conf == nil {
				return ""
			}
			return data.Conf[key]
		},
		// xcom "task" ["key"] renders another task's value; strings are unquoted
		"xcom": func(taskID string, key ...string) (string, error) {
			k := ""
			if len(key) > 0 {
				k = key[0]
			}
			if tc.XCom == nil {
				return "", fmt.Errorf("xcom unavailable")
			}
			raw, err := tc.XCom.PullRaw(ctx, taskID, k)
			if err != nil {
				return "", err
			}
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				return s, nil
			}
			return string(raw), nil
		},
		"json": func(v interface{}) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}

	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return buf.String(), nil
}
