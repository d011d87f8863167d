package layout

import "testing"

func TestStore_SplitAndResolve(t *testing.T) {
	s := NewStore()
	tab := s.CreateTab("work")

	newPane, err := s.SplitPane(tab.Root.ID, SplitRow)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if err := s.AttachPaneContent(newPane, Content{Kind: ContentTerminal, TerminalID: "term-1"}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	termID, ok := s.ResolvePaneToTerminal(newPane)
	if !ok || termID != "term-1" {
		t.Fatalf("resolve pane = %q ok=%v", termID, ok)
	}
	paneID, ok := s.ResolveTerminalToPane("term-1")
	if !ok || paneID != newPane {
		t.Fatalf("resolve terminal = %q ok=%v", paneID, ok)
	}
}

func TestStore_ClosePaneCollapsesSplit(t *testing.T) {
	s := NewStore()
	tab := s.CreateTab("work")
	right, _ := s.SplitPane(tab.Root.ID, SplitColumn)

	if err := s.ClosePane(right); err != nil {
		t.Fatalf("close: %v", err)
	}

	snap, err := s.PaneSnapshot(tab.Root.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Children) != 0 {
		t.Fatalf("root should collapse to a leaf, has %d children", len(snap.Children))
	}
}

func TestStore_UnknownPane(t *testing.T) {
	s := NewStore()
	s.CreateTab("work")

	if _, err := s.SplitPane("missing", SplitRow); err != ErrPaneNotFound {
		t.Fatalf("split err = %v", err)
	}
	if err := s.ClosePane("missing"); err != ErrPaneNotFound {
		t.Fatalf("close err = %v", err)
	}
	if _, ok := s.ResolvePaneToTerminal("missing"); ok {
		t.Fatal("resolved missing pane")
	}
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := NewStore()
	tab := s.CreateTab("work")
	_ = s.AttachPaneContent(tab.Root.ID, Content{Kind: ContentTerminal, TerminalID: "t"})

	snap, _ := s.PaneSnapshot(tab.Root.ID)
	snap.Content.TerminalID = "mutated"

	termID, _ := s.ResolvePaneToTerminal(tab.Root.ID)
	if termID != "t" {
		t.Fatalf("store mutated through snapshot: %q", termID)
	}
}
