// Package layout stores the pane/tab split tree. The protocol handler only
// consults it through its public operations to map panes to terminals; it
// never inspects tree internals.
package layout

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrTabNotFound  = errors.New("tab not found")
	ErrPaneNotFound = errors.New("pane not found")
)

type SplitDirection string

const (
	SplitRow    SplitDirection = "row"
	SplitColumn SplitDirection = "column"
)

// ContentKind mirrors the terminal modes a pane can host.
type ContentKind string

const (
	ContentTerminal ContentKind = "terminal"
	ContentClaude   ContentKind = "claude"
)

// Content binds a leaf pane to what it displays.
type Content struct {
	Kind       ContentKind `json:"kind"`
	TerminalID string      `json:"terminalId,omitempty"`
	SessionID  string      `json:"sessionId,omitempty"`
}

// Pane is a node in a tab's split tree: either a leaf with content or a split
// with two or more children.
type Pane struct {
	ID        string         `json:"id"`
	Direction SplitDirection `json:"direction,omitempty"`
	Children  []*Pane        `json:"children,omitempty"`
	Content   *Content       `json:"content,omitempty"`
}

type Tab struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Root *Pane  `json:"root"`
}

// Store owns the tab collection.
type Store struct {
	mu   sync.RWMutex
	tabs map[string]*Tab
	// order preserves tab creation order for listings.
	order []string
}

func NewStore() *Store {
	return &Store{tabs: make(map[string]*Tab)}
}

// CreateTab adds a tab with a single empty leaf pane.
func (s *Store) CreateTab(name string) *Tab {
	tab := &Tab{
		ID:   uuid.NewString(),
		Name: name,
		Root: &Pane{ID: uuid.NewString()},
	}
	s.mu.Lock()
	s.tabs[tab.ID] = tab
	s.order = append(s.order, tab.ID)
	s.mu.Unlock()
	return tab
}

// ListTabs returns tabs in creation order.
func (s *Store) ListTabs() []*Tab {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Tab, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tabs[id])
	}
	return out
}

// SplitPane turns the pane into a split of its old self and a fresh leaf,
// returning the new leaf's id.
func (s *Store) SplitPane(paneID string, dir SplitDirection) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pane := s.findPaneLocked(paneID)
	if pane == nil {
		return "", ErrPaneNotFound
	}

	moved := &Pane{ID: uuid.NewString(), Direction: pane.Direction, Children: pane.Children, Content: pane.Content}
	fresh := &Pane{ID: uuid.NewString()}
	pane.Direction = dir
	pane.Children = []*Pane{moved, fresh}
	pane.Content = nil
	return fresh.ID, nil
}

// ClosePane removes a leaf pane; a split left with one child collapses into it.
func (s *Store) ClosePane(paneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tab := range s.tabs {
		if tab.Root.ID == paneID {
			// Closing the root leaves an empty leaf rather than a dead tab.
			tab.Root = &Pane{ID: uuid.NewString()}
			return nil
		}
		if removeChild(tab.Root, paneID) {
			return nil
		}
	}
	return ErrPaneNotFound
}

func removeChild(node *Pane, paneID string) bool {
	for i, child := range node.Children {
		if child.ID == paneID {
			node.Children = append(node.Children[:i], node.Children[i+1:]...)
			if len(node.Children) == 1 {
				only := node.Children[0]
				node.Direction = only.Direction
				node.Children = only.Children
				node.Content = only.Content
			}
			return true
		}
		if removeChild(child, paneID) {
			return true
		}
	}
	return false
}

// AttachPaneContent binds content to a leaf pane.
func (s *Store) AttachPaneContent(paneID string, content Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pane := s.findPaneLocked(paneID)
	if pane == nil {
		return ErrPaneNotFound
	}
	pane.Content = &content
	return nil
}

// ResolvePaneToTerminal returns the terminal bound to a pane, if any.
func (s *Store) ResolvePaneToTerminal(paneID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pane := s.findPaneLocked(paneID)
	if pane == nil || pane.Content == nil {
		return "", false
	}
	return pane.Content.TerminalID, pane.Content.TerminalID != ""
}

// ResolveTerminalToPane finds the pane showing a terminal.
func (s *Store) ResolveTerminalToPane(terminalID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tab := range s.tabs {
		if pane := findByTerminal(tab.Root, terminalID); pane != nil {
			return pane.ID, true
		}
	}
	return "", false
}

func findByTerminal(node *Pane, terminalID string) *Pane {
	if node.Content != nil && node.Content.TerminalID == terminalID {
		return node
	}
	for _, child := range node.Children {
		if found := findByTerminal(child, terminalID); found != nil {
			return found
		}
	}
	return nil
}

// PaneSnapshot returns a deep copy of the pane subtree.
func (s *Store) PaneSnapshot(paneID string) (*Pane, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pane := s.findPaneLocked(paneID)
	if pane == nil {
		return nil, ErrPaneNotFound
	}
	return copyPane(pane), nil
}

func copyPane(node *Pane) *Pane {
	cp := &Pane{ID: node.ID, Direction: node.Direction}
	if node.Content != nil {
		content := *node.Content
		cp.Content = &content
	}
	for _, child := range node.Children {
		cp.Children = append(cp.Children, copyPane(child))
	}
	return cp
}

func (s *Store) findPaneLocked(paneID string) *Pane {
	for _, tab := range s.tabs {
		if found := findPane(tab.Root, paneID); found != nil {
			return found
		}
	}
	return nil
}

func findPane(node *Pane, paneID string) *Pane {
	if node.ID == paneID {
		return node
	}
	for _, child := range node.Children {
		if found := findPane(child, paneID); found != nil {
			return found
		}
	}
	return nil
}
