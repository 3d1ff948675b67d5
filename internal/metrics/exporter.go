package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter Prometheus 指标导出器
type Exporter struct {
	registry *prometheus.Registry

	// 归档指标
	attachmentsSaved   *prometheus.CounterVec
	attachmentsSkipped *prometheus.CounterVec
	attachmentErrors   *prometheus.CounterVec
	messagesDispatched *prometheus.CounterVec
	messagesUnassigned prometheus.Counter

	// 移动指标
	messagesMoved *prometheus.CounterVec
	moveErrors    *prometheus.CounterVec

	// 保留清理指标
	retentionDeleted *prometheus.CounterVec
	retentionKept    *prometheus.GaugeVec
	retentionErrors  *prometheus.CounterVec

	// 状态指标
	dedupIndexEntries prometheus.Gauge
	ledgerEntries     prometheus.Gauge
	lastRun           *prometheus.GaugeVec
	runsLocked        prometheus.Counter
}

// NewExporter 创建指标导出器
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()

	exporter := &Exporter{
		registry: registry,

		// 归档指标
		attachmentsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fredag_attachments_saved_total",
			Help: "已保存附件总数",
		}, []string{"group"}),
		attachmentsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fredag_attachments_skipped_total",
			Help: "被过滤或去重跳过的附件总数",
		}, []string{"group"}),
		attachmentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fredag_attachment_errors_total",
			Help: "附件归档错误总数",
		}, []string{"group"}),
		messagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fredag_messages_dispatched_total",
			Help: "分派到分组的邮件总数",
		}, []string{"group"}),
		messagesUnassigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fredag_messages_unassigned_total",
			Help: "没有匹配分组的邮件总数",
		}),

		// 移动指标
		messagesMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fredag_messages_moved_total",
			Help: "已移动邮件总数",
		}, []string{"group"}),
		moveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fredag_move_errors_total",
			Help: "邮件移动错误总数",
		}, []string{"group"}),

		// 保留清理指标
		retentionDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fredag_retention_deleted_total",
			Help: "保留清理删除的文件总数",
		}, []string{"group"}),
		retentionKept: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fredag_retention_kept_files",
			Help: "最近一次保留清理保留的文件数",
		}, []string{"group"}),
		retentionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fredag_retention_errors_total",
			Help: "保留清理错误总数",
		}, []string{"group"}),

		// 状态指标
		dedupIndexEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fredag_dedup_index_entries",
			Help: "持久去重索引条目数",
		}),
		ledgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fredag_ledger_entries",
			Help: "已归档邮件台账条目数",
		}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fredag_last_run_timestamp_seconds",
			Help: "最近一次成功运行的时间（Unix 秒）",
		}, []string{"job"}),
		runsLocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fredag_runs_locked_total",
			Help: "因已有运行而放弃的次数",
		}),
	}

	// 注册指标
	registry.MustRegister(
		exporter.attachmentsSaved,
		exporter.attachmentsSkipped,
		exporter.attachmentErrors,
		exporter.messagesDispatched,
		exporter.messagesUnassigned,
		exporter.messagesMoved,
		exporter.moveErrors,
		exporter.retentionDeleted,
		exporter.retentionKept,
		exporter.retentionErrors,
		exporter.dedupIndexEntries,
		exporter.ledgerEntries,
		exporter.lastRun,
		exporter.runsLocked,
	)

	return exporter
}

// Registry 返回指标注册表
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler 返回 HTTP 处理器
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// WriteTextfile 写入 node-exporter textfile 格式，供单次运行使用
func (e *Exporter) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, e.registry)
}

// AddArchived 记录一个分组的归档结果
func (e *Exporter) AddArchived(group string, messages, saved, skipped, errors int) {
	e.messagesDispatched.WithLabelValues(group).Add(float64(messages))
	e.attachmentsSaved.WithLabelValues(group).Add(float64(saved))
	e.attachmentsSkipped.WithLabelValues(group).Add(float64(skipped))
	e.attachmentErrors.WithLabelValues(group).Add(float64(errors))
}

// AddUnassigned 增加未匹配邮件数
func (e *Exporter) AddUnassigned(n int) {
	e.messagesUnassigned.Add(float64(n))
}

// AddMoved 记录一个分组的移动结果
func (e *Exporter) AddMoved(group string, moved, errors int) {
	e.messagesMoved.WithLabelValues(group).Add(float64(moved))
	e.moveErrors.WithLabelValues(group).Add(float64(errors))
}

// AddRetention 记录一个分组的保留清理结果
func (e *Exporter) AddRetention(group string, deleted, kept, errors int) {
	e.retentionDeleted.WithLabelValues(group).Add(float64(deleted))
	e.retentionKept.WithLabelValues(group).Set(float64(kept))
	e.retentionErrors.WithLabelValues(group).Add(float64(errors))
}

// SetDedupIndexEntries 设置去重索引条目数
func (e *Exporter) SetDedupIndexEntries(n int) {
	e.dedupIndexEntries.Set(float64(n))
}

// SetLedgerEntries 设置台账条目数
func (e *Exporter) SetLedgerEntries(n int) {
	e.ledgerEntries.Set(float64(n))
}

// SetLastRun 设置任务最近一次成功运行时间
func (e *Exporter) SetLastRun(job string, t time.Time) {
	e.lastRun.WithLabelValues(job).Set(float64(t.Unix()))
}

// IncRunsLocked 增加因锁冲突放弃的运行次数
func (e *Exporter) IncRunsLocked() {
	e.runsLocked.Inc()
}
