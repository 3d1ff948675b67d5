package rules

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gomailzero/fredag/internal/mailstore"
)

func TestSummarizeUnassigned(t *testing.T) {
	refs := []mailstore.MessageRef{
		{SenderAddress: "a@b.no", SenderName: "A"},
		{SenderAddress: "c@d.no", SenderName: "C"},
		{SenderAddress: "e@d.no"},
		{SenderAddress: "c@d.no", SenderName: "C"},
		{SenderName: "Uten adresse"},
	}

	got := SummarizeUnassigned(refs)
	want := []DomainSuggestion{
		{Domain: "d.no", Count: 3, Examples: []string{"C", "e@d.no"}},
		{Domain: "b.no", Count: 1, Examples: []string{"A"}},
		{Domain: UnknownDomain, Count: 1, Examples: []string{"Uten adresse"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SummarizeUnassigned() mismatch (-want +got):\n%s", diff)
	}
}

func TestSummarizeUnassigned_ExampleLimit(t *testing.T) {
	var refs []mailstore.MessageRef
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		refs = append(refs, mailstore.MessageRef{SenderAddress: n + "@x.no"})
	}
	got := SummarizeUnassigned(refs)
	if len(got) != 1 || got[0].Count != 7 || len(got[0].Examples) != maxExamples {
		t.Errorf("SummarizeUnassigned() = %+v", got)
	}
}

func TestCreateGroups(t *testing.T) {
	existing := []Group{{Name: "x.no", TargetDir: "/old"}}
	got := CreateGroups(existing, []string{"x.no", "Y.no", UnknownDomain, "x.no"}, "/arkiv", 30)

	if len(existing) != 1 {
		t.Fatal("CreateGroups() 不应修改输入切片")
	}
	names := make([]string, len(got))
	for i, g := range got {
		names[i] = g.Name
	}
	wantNames := []string{"x.no", "x.no (2)", "y.no", "x.no (3)"}
	if diff := cmp.Diff(wantNames, names); diff != "" {
		t.Errorf("名称 mismatch (-want +got):\n%s", diff)
	}
	if got[2].TargetDir != filepath.Join("/arkiv", "y.no") {
		t.Errorf("TargetDir = %q", got[2].TargetDir)
	}
	if diff := cmp.Diff([]string{"@y.no"}, got[2].Senders); diff != "" {
		t.Errorf("Senders mismatch (-want +got):\n%s", diff)
	}
	if got[0].RetentionDays != 0 || got[2].RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, %d, want 0, 30", got[0].RetentionDays, got[2].RetentionDays)
	}
}

func TestAddToGroup(t *testing.T) {
	existing := []Group{{Name: "Kunde", Senders: []string{"@a.no"}}}

	got, ok := AddToGroup(existing, []string{"A.no", "b.no", "b.no"}, "Kunde")
	if !ok {
		t.Fatal("AddToGroup() ok = false")
	}
	if diff := cmp.Diff([]string{"@a.no", "@b.no"}, got[0].Senders); diff != "" {
		t.Errorf("Senders mismatch (-want +got):\n%s", diff)
	}
	if len(existing[0].Senders) != 1 {
		t.Error("AddToGroup() 不应修改输入分组")
	}

	if _, ok := AddToGroup(existing, []string{"c.no"}, "kunde"); ok {
		t.Error("AddToGroup() 名称区分大小写，应返回 false")
	}
}
