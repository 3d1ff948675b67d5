// Package pathtmpl 根据邮件元数据和占位符模板构建归档相对路径。
//
// 模板以 / 分隔，支持 {year} {month2} {month_abbr} {sender} {domain} {subject_tag}，
// 例如 "{year}/{month2}_{month_abbr}/{domain}/{subject_tag}"。
package pathtmpl

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// 占位符名称
const (
	KeyYear       = "year"
	KeyMonth2     = "month2"
	KeyMonthAbbr  = "month_abbr"
	KeySender     = "sender"
	KeyDomain     = "domain"
	KeySubjectTag = "subject_tag"
)

// CurrentDir 空模板的渲染结果，调用方据此回退到默认年/月布局
const CurrentDir = "."

// illegalChars 文件路径中不允许出现的字符
const illegalChars = `<>:"/\|?*`

var monthAbbr = [12]string{"Jan", "Feb", "Mar", "Apr", "Mai", "Jun", "Jul", "Aug", "Sep", "Okt", "Nov", "Des"}

// Meta 模板占位符取值，缺失的键渲染为空字符串
type Meta map[string]string

// NewMeta 由接收时间、发件人、域名和主题标签构建占位符取值
// sender、domain、tag 应已经过 SafeComponent 处理
func NewMeta(t time.Time, sender, domain, tag string) Meta {
	m := int(t.Month())
	return Meta{
		KeyYear:       strconv.Itoa(t.Year()),
		KeyMonth2:     twoDigits(m),
		KeyMonthAbbr:  MonthAbbr(m),
		KeySender:     sender,
		KeyDomain:     domain,
		KeySubjectTag: tag,
	}
}

func twoDigits(m int) string {
	if m < 10 {
		return "0" + strconv.Itoa(m)
	}
	return strconv.Itoa(m)
}

// MonthAbbr 返回三字母月份缩写，超出范围的月份被夹到 [1,12]
func MonthAbbr(m int) string {
	if m < 1 {
		m = 1
	}
	if m > 12 {
		m = 12
	}
	return monthAbbr[m-1]
}

// DefaultLayout 返回无模板时的默认布局 <year>/<MM>_<Mon>
func DefaultLayout(t time.Time) string {
	m := int(t.Month())
	return filepath.Join(strconv.Itoa(t.Year()), twoDigits(m)+"_"+MonthAbbr(m))
}

// SafeComponent 将路径非法字符替换为 _，空名称返回 "_"
func SafeComponent(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(illegalChars, r) {
			return '_'
		}
		return r
	}, name)
}

// DomainFromEmail 返回小写的地址域名部分，无 @ 时返回空字符串
func DomainFromEmail(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return ""
	}
	return addr[i+1:]
}

// ExtractSubjectTag 用正则（忽略大小写）从主题中提取标签。
// 有捕获组时取第一个捕获组，否则取整体匹配；正则无效或无匹配时返回空字符串。
func ExtractSubjectTag(subject, pattern string) string {
	if pattern == "" {
		return ""
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return ""
	}
	m := re.FindStringSubmatchIndex(subject)
	if m == nil {
		return ""
	}
	start, end := m[0], m[1]
	if re.NumSubexp() > 0 {
		start, end = m[2], m[3]
	}
	if start < 0 || start == end {
		return ""
	}
	return SafeComponent(subject[start:end])
}

// Render 渲染模板为相对路径。每段单独清理，空段被丢弃；空模板返回 CurrentDir。
func Render(template string, meta Meta) string {
	tpl := strings.Trim(strings.ReplaceAll(strings.TrimSpace(template), `\`, "/"), "/")
	if tpl == "" {
		return CurrentDir
	}

	expanded := expand(tpl, meta)

	var parts []string
	for _, seg := range strings.Split(expanded, "/") {
		seg = strings.TrimSpace(seg)
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		parts = append(parts, SafeComponent(seg))
	}
	if len(parts) == 0 {
		return CurrentDir
	}
	return filepath.Join(parts...)
}

// expand 替换 {name} 占位符，{{ 与 }} 表示字面花括号
func expand(tpl string, meta Meta) string {
	var b strings.Builder
	for i := 0; i < len(tpl); i++ {
		c := tpl[i]
		switch {
		case c == '{' && i+1 < len(tpl) && tpl[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tpl) && tpl[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tpl[i+1:], '}')
			if end < 0 {
				b.WriteString(tpl[i:])
				return b.String()
			}
			key := strings.TrimSpace(tpl[i+1 : i+1+end])
			// 取值内的 / 等字符不能产生新的路径段
			if v := strings.TrimSpace(meta[key]); v != "" {
				b.WriteString(SafeComponent(v))
			}
			i += end + 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
