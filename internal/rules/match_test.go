package rules

import "testing"

func TestMatchSender(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		addr    string
		display string
		want    bool
	}{
		{"域名后缀", "@x.no", "a@x.no", "", true},
		{"域名后缀大小写", "@X.NO", "Ola@X.no", "", true},
		{"域名不匹配子域", "@x.no", "a@y.no", "", false},
		{"域名空地址", "@x.no", "", "x.no", false},
		{"通配符地址", "*@firma.*", "ola@firma.no", "", true},
		{"通配符显示名", "ola*", "x@y.no", "Ola Nordmann", true},
		{"问号通配符", "a?@x.no", "ab@x.no", "", true},
		{"字符集", "[ab]@x.no", "b@x.no", "", true},
		{"否定字符集", "[!ab]@x.no", "a@x.no", "", false},
		{"通配符不匹配空输入", "*", "", "", false},
		{"未闭合括号按字面", "a[b", "a[b", "", true},
		{"逆序区间不匹配", "[z-a]*", "zed@x.no", "", false},
		{"字面地址完全相等", "ola@x.no", "OLA@x.no", "", true},
		{"字面地址不做子串", "ola@x.no", "kola@x.no", "", false},
		{"字面显示名子串", "nordmann", "", "Ola Nordmann", true},
		{"空模式", "", "a@x.no", "a", false},
		{"空白模式", "   ", "a@x.no", "a", false},
		{"空地址与空显示名", "ola", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchSender(tt.pattern, tt.addr, tt.display); got != tt.want {
				t.Errorf("MatchSender(%q, %q, %q) = %v, want %v", tt.pattern, tt.addr, tt.display, got, tt.want)
			}
		})
	}
}

func TestResolveGroup_FirstMatchWins(t *testing.T) {
	groups := []Group{
		{Name: "Kunde", Senders: []string{"@kunde.no"}},
		{Name: "Alle norske", Senders: []string{"*.no"}},
		{Name: "Kunde igjen", Senders: []string{"@kunde.no"}},
	}

	g := ResolveGroup(groups, "faktura@kunde.no", "")
	if g == nil || g.Name != "Kunde" {
		t.Fatalf("ResolveGroup() = %v, want Kunde", g)
	}

	g = ResolveGroup(groups, "post@annen.no", "")
	if g == nil || g.Name != "Alle norske" {
		t.Fatalf("ResolveGroup() = %v, want Alle norske", g)
	}

	// 顺序调换后结果随之变化
	swapped := []Group{groups[1], groups[0]}
	g = ResolveGroup(swapped, "faktura@kunde.no", "")
	if g == nil || g.Name != "Alle norske" {
		t.Fatalf("ResolveGroup() = %v, want Alle norske", g)
	}
}

func TestResolveGroup_Unassigned(t *testing.T) {
	groups := []Group{{Name: "Kunde", Senders: []string{"@kunde.no"}}}
	if g := ResolveGroup(groups, "a@b.com", "Someone"); g != nil {
		t.Errorf("ResolveGroup() = %v, want nil", g.Name)
	}
	if g := ResolveGroup(nil, "a@kunde.no", ""); g != nil {
		t.Errorf("ResolveGroup(nil) = %v, want nil", g.Name)
	}
}

func TestResolveGroup_ReturnsSliceElement(t *testing.T) {
	groups := []Group{{Name: "A", Senders: []string{"@a.no"}}}
	g := ResolveGroup(groups, "x@a.no", "")
	if g != &groups[0] {
		t.Error("ResolveGroup() 应返回切片中的元素")
	}
}
