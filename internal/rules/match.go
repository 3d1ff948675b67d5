package rules

import (
	"regexp"
	"strings"
	"sync"
)

// wildcardChars 出现任一字符即按通配符模式匹配
const wildcardChars = "*?[]"

// MatchSender 判断单个模式是否匹配发件人（地址与显示名均不区分大小写）
//
//	@domain.tld  地址以该后缀结尾
//	含 *?[]      shell 通配符，分别尝试地址和显示名
//	其他         地址完全相等，或为显示名的子串
func MatchSender(pattern, addr, name string) bool {
	pat := strings.ToLower(strings.TrimSpace(pattern))
	if pat == "" {
		return false
	}
	addr = strings.ToLower(strings.TrimSpace(addr))
	name = strings.ToLower(strings.TrimSpace(name))

	if strings.HasPrefix(pat, "@") {
		return addr != "" && strings.HasSuffix(addr, pat)
	}
	if strings.ContainsAny(pat, wildcardChars) {
		re := globRegexp(pat)
		if re == nil {
			return false
		}
		return (addr != "" && re.MatchString(addr)) || (name != "" && re.MatchString(name))
	}
	if addr != "" && addr == pat {
		return true
	}
	return name != "" && strings.Contains(name, pat)
}

// ResolveGroup 按列表顺序返回第一个有模式匹配的分组，无匹配返回 nil
func ResolveGroup(groups []Group, addr, name string) *Group {
	for i := range groups {
		for _, pat := range groups[i].Senders {
			if MatchSender(pat, addr, name) {
				return &groups[i]
			}
		}
	}
	return nil
}

var globCache sync.Map // pattern -> *regexp.Regexp

// globRegexp 将 shell 通配符转换为正则：* 匹配任意字符（含 /），? 匹配单个字符，
// [seq] / [!seq] 为字符集；没有闭合 ] 的 [ 按字面处理。无法编译（如逆序区间）时返回 nil
func globRegexp(pat string) *regexp.Regexp {
	if re, ok := globCache.Load(pat); ok {
		return re.(*regexp.Regexp)
	}
	re, err := regexp.Compile(translateGlob(pat))
	if err != nil {
		return nil
	}
	globCache.Store(pat, re)
	return re
}

func translateGlob(pat string) string {
	var b strings.Builder
	b.WriteString(`(?s)^`)
	runes := []rune(pat)
	n := len(runes)
	for i := 0; i < n; i++ {
		c := runes[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := i + 1
			if j < n && runes[j] == '!' {
				j++
			}
			if j < n && runes[j] == ']' {
				j++
			}
			for j < n && runes[j] != ']' {
				j++
			}
			if j >= n {
				b.WriteString(`\[`)
				continue
			}
			body := runes[i+1 : j]
			b.WriteByte('[')
			if len(body) > 0 && body[0] == '!' {
				b.WriteByte('^')
				body = body[1:]
			}
			for _, r := range body {
				if r == '\\' || r == '[' || r == ']' || r == '^' {
					b.WriteByte('\\')
				}
				b.WriteRune(r)
			}
			b.WriteByte(']')
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString(`$`)
	return b.String()
}
