// Package report 渲染归档和保留清理的 HTML 报告以及命令行摘要。
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/gomailzero/fredag/internal/dispatch"
	"github.com/gomailzero/fredag/internal/retention"
)

const dateLayout = "02.01.2006"

var archiveTmpl = template.Must(template.New("archive").Parse(`<html><body>
<h3>{{.Label}} – rapport</h3>
<p>Intervall: {{.From}} – {{.To}}</p>
<table border="1" cellpadding="6" cellspacing="0">
  <tr><th>Gruppe</th><th>Meldinger</th><th>{{if .DryRun}}Ville lagret{{else}}Lagret{{end}}</th><th>Hoppet</th></tr>
{{- range .Rows}}
  <tr><td>{{.Name}}</td><td style="text-align:right">{{.Messages}}</td><td style="text-align:right">{{.Saved}}</td><td style="text-align:right">{{.Skipped}}</td></tr>
{{- else}}
  <tr><td colspan="4">(Ingen grupper matchet)</td></tr>
{{- end}}
</table>
<p>Uten gruppe: {{.Unassigned}}</p>
</body></html>
`))

var retentionTmpl = template.Must(template.New("retention").Parse(`<html><body>
<h3>{{if .DryRun}}Retention – tørrkjøring{{else}}Retention – opprydding{{end}}</h3>
<table border="1" cellpadding="6" cellspacing="0">
  <tr><th>Gruppe</th><th>{{if .DryRun}}Ville slettet{{else}}Slettet{{end}}</th><th>Beholdt</th><th>Feil</th></tr>
{{- range .Rows}}
  <tr><td>{{.Name}}</td><td style="text-align:right">{{.Deleted}}</td><td style="text-align:right">{{.Kept}}</td><td style="text-align:right">{{.Errors}}</td></tr>
{{- else}}
  <tr><td colspan="4">(Ingen grupper med retention)</td></tr>
{{- end}}
</table>
</body></html>
`))

type archiveRow struct {
	Name string
	dispatch.GroupSummary
}

type retentionRow struct {
	Name string
	retention.GroupSummary
}

// ArchiveSubject 归档报告邮件主题
func ArchiveSubject(dryRun bool) string {
	if dryRun {
		return "Arkivering – rapport (tørrkjøring)"
	}
	return "Arkivering – rapport"
}

// RetentionSubject 保留清理报告邮件主题
func RetentionSubject(dryRun bool) string {
	if dryRun {
		return "Retention – rapport (tørrkjøring)"
	}
	return "Retention – rapport"
}

// ArchiveHTML 渲染归档报告，分组按名称排序
func ArchiveHTML(summary dispatch.Summary, unassigned int, from, to time.Time, dryRun bool) (string, error) {
	data := struct {
		Label      string
		From, To   string
		DryRun     bool
		Rows       []archiveRow
		Unassigned int
	}{
		Label:      "Arkivering",
		From:       from.Format(dateLayout),
		To:         to.Format(dateLayout),
		DryRun:     dryRun,
		Unassigned: unassigned,
	}
	if dryRun {
		data.Label = "TØRRKJØRING"
	}
	for _, name := range summary.Names() {
		data.Rows = append(data.Rows, archiveRow{Name: name, GroupSummary: summary[name]})
	}

	var buf bytes.Buffer
	if err := archiveTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("渲染归档报告失败: %w", err)
	}
	return buf.String(), nil
}

// RetentionHTML 渲染保留清理报告
func RetentionHTML(summary retention.Summary, dryRun bool) (string, error) {
	data := struct {
		DryRun bool
		Rows   []retentionRow
	}{DryRun: dryRun}
	for _, name := range summary.Names() {
		data.Rows = append(data.Rows, retentionRow{Name: name, GroupSummary: summary[name]})
	}

	var buf bytes.Buffer
	if err := retentionTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("渲染保留清理报告失败: %w", err)
	}
	return buf.String(), nil
}

// WriteArchiveText 输出命令行归档摘要
func WriteArchiveText(w io.Writer, summary dispatch.Summary, unassigned int, dryRun bool) {
	verb := "lagret"
	if dryRun {
		fmt.Fprintln(w, "=== Tørrkjøring pr. gruppe ===")
		verb = "ville lagret"
	} else {
		fmt.Fprintln(w, "=== Arkivert pr. gruppe ===")
	}
	for _, name := range summary.Names() {
		s := summary[name]
		fmt.Fprintf(w, "- %s: %s %d, hoppet %d (meldinger: %d)\n", name, verb, s.Saved, s.Skipped, s.Messages)
		if s.Errors != "" {
			fmt.Fprintf(w, "  feil: %s\n", s.Errors)
		}
	}
	if unassigned > 0 {
		fmt.Fprintf(w, "(Uten gruppe: %d meldinger – ikke berørt)\n", unassigned)
	}
}

// WriteRetentionText 输出命令行保留清理摘要
func WriteRetentionText(w io.Writer, summary retention.Summary, dryRun bool) {
	verb := "slettet"
	if dryRun {
		fmt.Fprintln(w, "=== Retention === (tørrkjøring)")
		verb = "ville slettet"
	} else {
		fmt.Fprintln(w, "=== Retention ===")
	}
	for _, name := range summary.Names() {
		s := summary[name]
		fmt.Fprintf(w, "- %s: %s %d, beholdt %d, feil %d\n", name, verb, s.Deleted, s.Kept, s.Errors)
	}
}

// WriteMoveText 输出命令行移动摘要
func WriteMoveText(w io.Writer, summary dispatch.MoveSummary, unassigned int, noDest []string, dryRun bool) {
	verb := "flyttet"
	if dryRun {
		fmt.Fprintln(w, "=== Flytting (tørrkjøring) ===")
		verb = "ville flyttet"
	} else {
		fmt.Fprintln(w, "=== Flyttet pr. gruppe ===")
	}
	for _, name := range summary.Names() {
		s := summary[name]
		fmt.Fprintf(w, "- %s: %s %d, hoppet %d, feil %d\n", name, verb, s.Moved, s.Skipped, s.Errors)
	}
	for _, name := range noDest {
		fmt.Fprintf(w, "- %s: ingen målmappe\n", name)
	}
	if unassigned > 0 {
		fmt.Fprintf(w, "(Uten gruppe: %d meldinger – ikke berørt)\n", unassigned)
	}
}
