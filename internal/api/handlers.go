package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gomailzero/fredag/internal/job"
	"github.com/gomailzero/fredag/internal/mailstore"
	"github.com/gomailzero/fredag/internal/rules"
	"github.com/gomailzero/fredag/internal/settings"
)

// runQuery 任务请求的查询参数
type runQuery struct {
	DryRun          bool     `form:"dry_run"`
	FromDays        int      `form:"from_days"`
	FromDate        string   `form:"from_date"`
	ToDate          string   `form:"to_date"`
	Folder          string   `form:"folder"`
	NoSubfolders    bool     `form:"no_subfolders"`
	OnlyUnread      bool     `form:"only_unread"`
	OnlyAttachments bool     `form:"only_attachments"`
	Subject         string   `form:"subject"`
	AfterRetention  bool     `form:"after_retention"`
	MailReport      bool     `form:"mail_report"`
	To              []string `form:"to"`
}

// bindRun 解析查询参数为任务请求，失败时已写入 400 响应
func bindRun(c *gin.Context, cfg *Config) (runQuery, job.Request, bool) {
	var q runQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return q, job.Request{}, false
	}
	days := q.FromDays
	if days <= 0 {
		days = cfg.FromDays
	}
	from, to, err := job.ParseWindow(cfg.now(), days, q.FromDate, q.ToDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return q, job.Request{}, false
	}
	return q, job.Request{
		From:              from,
		To:                to,
		Folder:            q.Folder,
		IncludeSubfolders: !q.NoSubfolders,
		UnreadOnly:        q.OnlyUnread,
		AttachmentsOnly:   q.OnlyAttachments,
		SubjectContains:   q.Subject,
		DryRun:            q.DryRun,
		AfterRetention:    q.AfterRetention,
		MailReport:        q.MailReport,
		ReportTo:          q.To,
	}, true
}

// jobError 把任务错误映射为 HTTP 状态码
func jobError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, job.ErrLocked):
		status = http.StatusConflict
	case errors.Is(err, mailstore.ErrAborted):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
	})
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// listGroupsHandler 列出分组规则
func listGroupsHandler(cfg *Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"groups": rules.Load(cfg.RulesFile),
		})
	}
}

// replaceGroupsHandler 校验后整体替换分组规则
func replaceGroupsHandler(cfg *Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Groups []rules.Group `json:"groups" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		if err := rules.ValidateAll(req.Groups); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		if err := rules.Save(cfg.RulesFile, req.Groups); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"groups": rules.Load(cfg.RulesFile),
		})
	}
}

// addDomainsHandler 为选中的域名新建分组，或加入已有分组
func addDomainsHandler(cfg *Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Domains []string `json:"domains" binding:"required,min=1"`
			BaseDir string   `json:"base_dir"`
			Group   string   `json:"group"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}

		groups := rules.Load(cfg.RulesFile)
		switch {
		case req.Group != "":
			var ok bool
			if groups, ok = rules.AddToGroup(groups, req.Domains, req.Group); !ok {
				c.JSON(http.StatusNotFound, gin.H{
					"error": "分组不存在",
				})
				return
			}
		case req.BaseDir != "":
			groups = rules.CreateGroups(groups, req.Domains, req.BaseDir, settings.Load(cfg.SettingsFile).RetentionDefaultDays)
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "需要 group 或 base_dir",
			})
			return
		}

		if err := rules.Save(cfg.RulesFile, groups); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"groups": groups,
		})
	}
}

// suggestionsHandler 按域名汇总未分组的邮件
func suggestionsHandler(cfg *Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, req, ok := bindRun(c, cfg)
		if !ok {
			return
		}
		suggestions, err := cfg.Jobs.Suggest(c.Request.Context(), req)
		if err != nil {
			jobError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"suggestions": suggestions,
		})
	}
}

// getSettingsHandler 获取全局设置
func getSettingsHandler(cfg *Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, settings.Load(cfg.SettingsFile))
	}
}

// updateSettingsHandler 合并部分设置
func updateSettingsHandler(cfg *Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var partial map[string]any
		if err := c.ShouldBindJSON(&partial); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}

		s, err := settings.Update(cfg.SettingsFile, partial)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

// statusHandler 运行状态
func statusHandler(cfg *Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := cfg.Jobs.Status(c.Request.Context())
		if err != nil {
			jobError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// archiveHandler 同步执行一次归档
func archiveHandler(cfg *Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, req, ok := bindRun(c, cfg)
		if !ok {
			return
		}
		out, err := cfg.Jobs.Archive(c.Request.Context(), req)
		if err != nil {
			jobError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"run_id":       out.RunID,
			"dry_run":      req.DryRun,
			"found":        out.Found,
			"groups":       out.Summary,
			"totals":       out.Summary.Totals(),
			"unassigned":   len(out.Unassigned),
			"retention":    out.Retention,
			"report_sent":  out.ReportSent,
			"report_error": errText(out.ReportErr),
		})
	}
}

// moveHandler 按分组移动邮件
func moveHandler(cfg *Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, req, ok := bindRun(c, cfg)
		if !ok {
			return
		}
		out, err := cfg.Jobs.Move(c.Request.Context(), req)
		if err != nil {
			jobError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"run_id":     out.RunID,
			"dry_run":    req.DryRun,
			"found":      out.Found,
			"groups":     out.Summary,
			"unassigned": len(out.Unassigned),
			"no_dest":    out.NoDest,
		})
	}
}

// retentionHandler 执行保留清理
func retentionHandler(cfg *Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, _, ok := bindRun(c, cfg)
		if !ok {
			return
		}
		out, err := cfg.Jobs.Retention(c.Request.Context(), q.DryRun, q.MailReport, q.To)
		if err != nil {
			jobError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"run_id":       out.RunID,
			"dry_run":      q.DryRun,
			"groups":       out.Summary,
			"report_sent":  out.ReportSent,
			"report_error": errText(out.ReportErr),
		})
	}
}
