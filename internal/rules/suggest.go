package rules

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gomailzero/fredag/internal/mailstore"
	"github.com/gomailzero/fredag/internal/pathtmpl"
)

// UnknownDomain 无法确定发件域名时使用的占位名
const UnknownDomain = "(ukjent)"

const maxExamples = 5

// DomainSuggestion 未分组邮件按域名汇总的建议
type DomainSuggestion struct {
	Domain   string   `json:"domain"`
	Count    int      `json:"count"`
	Examples []string `json:"examples"`
}

// SummarizeUnassigned 按发件域名汇总未分组邮件，按数量降序排列
func SummarizeUnassigned(refs []mailstore.MessageRef) []DomainSuggestion {
	index := make(map[string]int)
	var out []DomainSuggestion
	for _, ref := range refs {
		domain := pathtmpl.DomainFromEmail(ref.SenderAddress)
		if domain == "" {
			domain = UnknownDomain
		}
		i, ok := index[domain]
		if !ok {
			i = len(out)
			index[domain] = i
			out = append(out, DomainSuggestion{Domain: domain, Examples: []string{}})
		}
		s := &out[i]
		s.Count++

		example := ref.SenderName
		if example == "" {
			example = ref.SenderAddress
		}
		if len(s.Examples) < maxExamples && !contains(s.Examples, example) {
			s.Examples = append(s.Examples, example)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Count > out[b].Count })
	return out
}

// CreateGroups 为每个选中的域名追加一个 @domain 分组，目标目录为 <baseDir>/<domain>。
// 名称冲突（不区分大小写）时追加 " (2)"、" (3)" 等后缀。新分组的保留天数取 retentionDays。
func CreateGroups(existing []Group, domains []string, baseDir string, retentionDays int) []Group {
	groups := append([]Group(nil), existing...)
	names := make(map[string]bool, len(groups))
	for _, g := range groups {
		names[strings.ToLower(g.Name)] = true
	}

	for _, dom := range domains {
		dom = strings.ToLower(strings.TrimSpace(dom))
		if dom == "" || dom == UnknownDomain {
			continue
		}
		name := dom
		for i := 2; names[strings.ToLower(name)]; i++ {
			name = fmt.Sprintf("%s (%d)", dom, i)
		}
		groups = append(groups, Group{
			Name:          name,
			TargetDir:     filepath.Join(baseDir, pathtmpl.SafeComponent(dom)),
			Senders:       []string{"@" + dom},
			RetentionDays: max(retentionDays, 0),
		})
		names[strings.ToLower(name)] = true
	}
	return groups
}

// AddToGroup 将缺失的 @domain 模式追加到指定分组；分组不存在时返回 false
func AddToGroup(existing []Group, domains []string, groupName string) ([]Group, bool) {
	groups := append([]Group(nil), existing...)
	target := Find(groups, groupName)
	if target == nil {
		return groups, false
	}

	senders := append([]string(nil), target.Senders...)
	for _, dom := range domains {
		dom = strings.ToLower(strings.TrimSpace(dom))
		if dom == "" || dom == UnknownDomain {
			continue
		}
		pat := "@" + dom
		if !contains(senders, pat) {
			senders = append(senders, pat)
		}
	}
	target.Senders = senders
	return groups, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
