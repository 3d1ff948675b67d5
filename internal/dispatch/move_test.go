package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gomailzero/fredag/internal/mailstore"
	"github.com/gomailzero/fredag/internal/rules"
)

func TestMoveByGroups(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.store.AddFolder("Arkiv/Kunde")

	groups := []rules.Group{
		{Name: "Kunde", Senders: []string{"@kunde.no"}, MoveToFolderPath: `\\test\Arkiv\Kunde`, MoveMarkRead: true},
		{Name: "Borte", Senders: []string{"@borte.no"}, MoveToFolderPath: "Finnes/Ikke"},
		{Name: "Uten mål", Senders: []string{"@lokal.no"}},
	}
	k1 := e.add("a@kunde.no", "")
	k2 := e.add("b@kunde.no", "")
	b1 := e.add("c@borte.no", "")
	l1 := e.add("d@lokal.no", "")
	l2 := e.add("e@lokal.no", "")
	u := e.add("f@annen.no", "")

	t.Run("演练", func(t *testing.T) {
		summary, unassigned, noDest := e.d.MoveByGroups(ctx, []mailstore.MessageRef{k1, k2, b1, l1, l2, u}, groups, true)
		want := MoveSummary{
			"Kunde": {Moved: 2},
			"Borte": {Errors: 1},
		}
		if diff := cmp.Diff(want, summary); diff != "" {
			t.Errorf("MoveSummary mismatch (-want +got):\n%s", diff)
		}
		if len(unassigned) != 1 || unassigned[0].ID != u.ID {
			t.Errorf("unassigned = %v", unassigned)
		}
		if !cmp.Equal(noDest, []string{"Uten mål"}) {
			t.Errorf("noDest = %v", noDest)
		}
		if ref, _, _ := e.store.Get(k1.ID); ref.FolderPath != mailstore.InboxName || !ref.Unread {
			t.Errorf("演练修改了邮件: %+v", ref)
		}
	})

	t.Run("执行", func(t *testing.T) {
		summary, _, _ := e.d.MoveByGroups(ctx, []mailstore.MessageRef{k1, k2, l1}, groups, false)
		if diff := cmp.Diff(MoveSummary{"Kunde": {Moved: 2}}, summary); diff != "" {
			t.Errorf("MoveSummary mismatch (-want +got):\n%s", diff)
		}
		ref, _, _ := e.store.Get(k1.ID)
		if ref.FolderPath != "Arkiv/Kunde" || ref.Unread {
			t.Errorf("移动后邮件 = %+v", ref)
		}
		if ref, _, _ := e.store.Get(l1.ID); ref.FolderPath != mailstore.InboxName {
			t.Errorf("无目标分组的邮件被移动: %+v", ref)
		}
	})

	t.Run("单封失败", func(t *testing.T) {
		missing := mailstore.MessageRef{ID: "borte", SenderAddress: "x@kunde.no"}
		e.store.MoveErr = errors.New("låst")
		defer func() { e.store.MoveErr = nil }()

		summary, _, _ := e.d.MoveByGroups(ctx, []mailstore.MessageRef{missing, k2}, groups, false)
		if diff := cmp.Diff(MoveSummary{"Kunde": {Errors: 2}}, summary); diff != "" {
			t.Errorf("MoveSummary mismatch (-want +got):\n%s", diff)
		}
	})
}
