package replay

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/freshell/freshell/pkg/protocol"
)

type attachCall struct {
	terminalID string
	sinceSeq   int64
}

type fakeTransport struct {
	mu       sync.Mutex
	attaches []attachCall
	creates  []string
}

func (f *fakeTransport) SendAttach(terminalID string, sinceSeq int64) {
	f.mu.Lock()
	f.attaches = append(f.attaches, attachCall{terminalID, sinceSeq})
	f.mu.Unlock()
}

func (f *fakeTransport) SendCreate(paneID string) {
	f.mu.Lock()
	f.creates = append(f.creates, paneID)
	f.mu.Unlock()
}

func (f *fakeTransport) attachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attaches)
}

type gapCall struct {
	fromSeq, toSeq int64
	reason         protocol.GapReason
}

type fakeRenderer struct {
	mu      sync.Mutex
	outputs map[string][]byte
	gaps    []gapCall
	exits   []int
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{outputs: make(map[string][]byte)}
}

func (f *fakeRenderer) RenderOutput(terminalID string, data []byte) {
	f.mu.Lock()
	f.outputs[terminalID] = append(f.outputs[terminalID], data...)
	f.mu.Unlock()
}

func (f *fakeRenderer) RenderGap(terminalID string, fromSeq, toSeq int64, reason protocol.GapReason) {
	f.mu.Lock()
	f.gaps = append(f.gaps, gapCall{fromSeq, toSeq, reason})
	f.mu.Unlock()
}

func (f *fakeRenderer) RenderExit(terminalID string, exitCode int) {
	f.mu.Lock()
	f.exits = append(f.exits, exitCode)
	f.mu.Unlock()
}

func (f *fakeRenderer) rendered(terminalID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.outputs[terminalID])
}

func newTestController() (*Controller, *fakeTransport, *fakeRenderer) {
	transport := &fakeTransport{}
	renderer := newFakeRenderer()
	ctrl := NewController(Options{
		Store:        NewMemoryCursorStore(),
		Requests:     transport,
		Renderer:     renderer,
		StallTimeout: time.Hour,
	})
	return ctrl, transport, renderer
}

func TestController_AppliesFramesForwardOnly(t *testing.T) {
	ctrl, _, renderer := newTestController()

	ctrl.HandleOutput("t1", 1, 5, []byte("hello"))
	if got := ctrl.AppliedSeq("t1"); got != 5 {
		t.Fatalf("appliedSeq = %d, want 5", got)
	}

	// A full duplicate is dropped.
	ctrl.HandleOutput("t1", 1, 5, []byte("hello"))
	if got := renderer.rendered("t1"); got != "hello" {
		t.Fatalf("rendered = %q, want %q", got, "hello")
	}

	// An overlapping frame renders only its new suffix.
	ctrl.HandleOutput("t1", 4, 9, []byte("loworl"))
	if got := renderer.rendered("t1"); got != "helloworl" {
		t.Fatalf("rendered = %q, want %q", got, "helloworl")
	}
	if got := ctrl.AppliedSeq("t1"); got != 9 {
		t.Fatalf("appliedSeq = %d, want 9", got)
	}
}

func TestController_ForwardOnlyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		truth := rapid.SliceOfN(rapid.Byte(), 1, 200).Draw(t, "truth")
		n := int64(len(truth))

		frameCount := rapid.IntRange(1, 30).Draw(t, "frames")
		ctrl, _, renderer := newTestController()

		var maxEnd int64
		for i := 0; i < frameCount; i++ {
			start := rapid.Int64Range(1, n).Draw(t, "start")
			end := rapid.Int64Range(start, n).Draw(t, "end")
			ctrl.HandleOutput("t1", start, end, truth[start-1:end])
			if end > maxEnd {
				maxEnd = end
			}
		}

		if got := ctrl.AppliedSeq("t1"); got != maxEnd {
			t.Fatalf("appliedSeq = %d, want max seqEnd %d", got, maxEnd)
		}

		rendered := []byte(renderer.rendered("t1"))
		if int64(len(rendered)) > n {
			t.Fatalf("rendered %d bytes, more than the %d distinct positions", len(rendered), n)
		}
		// Every rendered byte corresponds to one truth position, in order.
		pos := 0
		for _, b := range rendered {
			idx := bytes.IndexByte(truth[pos:], b)
			if idx < 0 {
				t.Fatalf("rendered %q is not an ordered selection of the source", rendered)
			}
			pos += idx + 1
		}
	})
}

func TestController_GapAdvancesPastLostRange(t *testing.T) {
	ctrl, _, renderer := newTestController()

	ctrl.HandleGap("t1", 1, 10, protocol.GapReplayWindowExceeded)
	if got := ctrl.AppliedSeq("t1"); got != 10 {
		t.Fatalf("appliedSeq = %d, want 10", got)
	}
	if len(renderer.gaps) != 1 || renderer.gaps[0].reason != protocol.GapReplayWindowExceeded {
		t.Fatalf("gaps = %+v, want one replay_window_exceeded marker", renderer.gaps)
	}

	// Output inside the gap range never renders; the gap is not re-requested.
	ctrl.HandleOutput("t1", 3, 7, []byte("stale"))
	if got := renderer.rendered("t1"); got != "" {
		t.Fatalf("rendered = %q, want empty", got)
	}
	if got := ctrl.ResumePoint("t1"); got != 10 {
		t.Fatalf("resume point = %d, want 10", got)
	}
}

func TestController_ResumePointSurvivesRestart(t *testing.T) {
	store := NewMemoryCursorStore()
	transport := &fakeTransport{}
	ctrl := NewController(Options{Store: store, Requests: transport, Renderer: newFakeRenderer(), StallTimeout: time.Hour})

	ctrl.HandleOutput("t1", 1, 42, bytes.Repeat([]byte("x"), 42))
	if got := ctrl.ResumePoint("t1"); got != 42 {
		t.Fatalf("resume point = %d, want 42", got)
	}

	// A fresh controller over the same store starts from the persisted
	// cursor, never from zero.
	reloaded := NewController(Options{Store: store, Requests: transport, Renderer: newFakeRenderer(), StallTimeout: time.Hour})
	reloaded.Attach("t1")
	if len(transport.attaches) != 1 || transport.attaches[0].sinceSeq != 42 {
		t.Fatalf("attaches = %+v, want one attach with sinceSeq 42", transport.attaches)
	}
}

func TestController_StallReattachesOncePerGeneration(t *testing.T) {
	ctrl, transport, _ := newTestController()
	ctrl.BindPane("pane-1", "t1")
	ctrl.Attach("t1")
	if transport.attachCount() != 1 {
		t.Fatalf("attaches = %d, want 1", transport.attachCount())
	}

	gen := ctrl.Generation()
	for i := 0; i < 10; i++ {
		ctrl.handleStall("t1", gen)
	}
	if transport.attachCount() != 2 {
		t.Fatalf("attaches after stalls = %d, want 2", transport.attachCount())
	}

	// A new transport reconnect opens a fresh budget.
	ctrl.OnTransportReconnect()
	if transport.attachCount() != 3 {
		t.Fatalf("attaches after reconnect = %d, want 3", transport.attachCount())
	}
	gen = ctrl.Generation()
	for i := 0; i < 10; i++ {
		ctrl.handleStall("t1", gen)
	}
	if transport.attachCount() != 4 {
		t.Fatalf("attaches after second stall round = %d, want 4", transport.attachCount())
	}
}

func TestController_StaleGenerationStallIgnored(t *testing.T) {
	ctrl, transport, _ := newTestController()
	ctrl.BindPane("pane-1", "t1")
	ctrl.Attach("t1")
	staleGen := ctrl.Generation()

	ctrl.OnTransportReconnect()
	before := transport.attachCount()

	ctrl.handleStall("t1", staleGen)
	if transport.attachCount() != before {
		t.Fatal("stale-generation stall issued a re-attach")
	}
}

func TestController_CompletedReplayDisarmsStall(t *testing.T) {
	ctrl, transport, _ := newTestController()
	ctrl.Attach("t1")

	// Nothing to replay: the server says the viewer is already current.
	ctrl.HandleAttachReady("t1", 7, 8, 7)

	gen := ctrl.Generation()
	ctrl.handleStall("t1", gen)
	if transport.attachCount() != 1 {
		t.Fatalf("attaches = %d, want 1 (no stall recovery after completion)", transport.attachCount())
	}
}

func TestController_ReplayTargetCompletion(t *testing.T) {
	ctrl, transport, _ := newTestController()
	ctrl.Attach("t1")
	ctrl.HandleAttachReady("t1", 5, 1, 5)

	ctrl.HandleOutput("t1", 1, 5, []byte("abcde"))

	gen := ctrl.Generation()
	ctrl.handleStall("t1", gen)
	if transport.attachCount() != 1 {
		t.Fatalf("attaches = %d, want 1 (replay reached its target)", transport.attachCount())
	}
}

func TestController_InvalidTerminalRecreatesCurrentBindingOnce(t *testing.T) {
	ctrl, transport, _ := newTestController()
	ctrl.BindPane("pane-1", "t1")

	ctrl.HandleInvalidTerminal("t1")
	if len(transport.creates) != 1 || transport.creates[0] != "pane-1" {
		t.Fatalf("creates = %v, want [pane-1]", transport.creates)
	}

	// The binding is cleared; a repeat reference is ignored.
	ctrl.HandleInvalidTerminal("t1")
	if len(transport.creates) != 1 {
		t.Fatalf("creates = %v, want exactly one", transport.creates)
	}
}

func TestController_InvalidTerminalForOtherIDIgnored(t *testing.T) {
	ctrl, transport, _ := newTestController()
	ctrl.BindPane("pane-1", "t1")

	ctrl.HandleInvalidTerminal("someone-elses-terminal")
	if len(transport.creates) != 0 || transport.attachCount() != 0 {
		t.Fatal("unrelated invalid terminal triggered recovery")
	}
}

func TestController_NoRecreateAfterExit(t *testing.T) {
	ctrl, transport, renderer := newTestController()
	ctrl.BindPane("pane-1", "t1")

	ctrl.HandleExit("t1", 0)
	if len(renderer.exits) != 1 {
		t.Fatalf("exits = %v, want one", renderer.exits)
	}

	// Exit is a recognized end-state, not an error to recover from.
	ctrl.HandleInvalidTerminal("t1")
	if len(transport.creates) != 0 {
		t.Fatalf("creates = %v, want none after exit", transport.creates)
	}

	ctrl.OnTransportReconnect()
	if transport.attachCount() != 0 {
		t.Fatal("reconnect re-attached an exited terminal")
	}
}
