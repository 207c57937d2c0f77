package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/callscript/callscript/internal/dialog"
	"github.com/callscript/callscript/internal/prompt"
)

// recordedCommand is one executor invocation captured by the mock.
type recordedCommand struct {
	Kind   CommandKind
	CallID string
	Tag    string
}

// mockExecutor records every command and fails those whose kind is listed
// in failKinds.
type mockExecutor struct {
	mu        sync.Mutex
	commands  []recordedCommand
	failKinds map[CommandKind]error
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{failKinds: make(map[CommandKind]error)}
}

func (m *mockExecutor) record(kind CommandKind, callID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, recordedCommand{Kind: kind, CallID: callID, Tag: tag})
	return m.failKinds[kind]
}

func (m *mockExecutor) StartRecognition(_ context.Context, callID string, _ *dialog.Node, _ prompt.Source, tag string) error {
	return m.record(CommandStartRecognition, callID, tag)
}

func (m *mockExecutor) PlayPrompt(_ context.Context, callID string, _ prompt.Source, tag string) error {
	return m.record(CommandPlayPrompt, callID, tag)
}

func (m *mockExecutor) HangUp(_ context.Context, callID string) error {
	return m.record(CommandHangUp, callID, "")
}

func (m *mockExecutor) recorded() []recordedCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]recordedCommand, len(m.commands))
	copy(out, m.commands)
	return out
}

func (m *mockExecutor) countKind(kind CommandKind) int {
	n := 0
	for _, c := range m.recorded() {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

var _ Executor = (*mockExecutor)(nil)

type mockRecorder struct {
	mu      sync.Mutex
	records []DispositionRecord
	err     error
}

func (m *mockRecorder) Record(_ context.Context, rec DispositionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return m.err
}

func (m *mockRecorder) recorded() []DispositionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DispositionRecord, len(m.records))
	copy(out, m.records)
	return out
}

var _ DispositionRecorder = (*mockRecorder)(nil)

func newTestRouter(t *testing.T, exec *mockExecutor, rec *mockRecorder) (*Router, *Store) {
	t.Helper()
	store := NewStore(time.Minute, testLogger())
	machine := NewMachine(menuTree(t, dialog.NextStep{}), testLogger())
	// Avoid wrapping a typed-nil *mockRecorder in the interface, which would
	// defeat the router's recorder == nil check.
	var recorder DispositionRecorder
	if rec != nil {
		recorder = rec
	}
	return NewRouter(machine, store, exec, recorder, testLogger()), store
}

func callEv(callID string, kind EventKind, tag string) CallbackEvent {
	return CallbackEvent{CallID: callID, ContextTag: tag, Kind: kind, Received: time.Now()}
}

func TestRouterFullConversation(t *testing.T) {
	exec := newMockExecutor()
	rec := &mockRecorder{}
	r, store := newTestRouter(t, exec, rec)

	if err := r.StartCall("call-1"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	ctx := context.Background()
	r.Dispatch(ctx, []CallbackEvent{callEv("call-1", EventConnectConfirmed, "")})

	got := callEv("call-1", EventRecognitionSucceeded, "menu:recognize")
	got.Label = "Confirm"
	r.Dispatch(ctx, []CallbackEvent{got})
	r.Dispatch(ctx, []CallbackEvent{callEv("call-1", EventPlaybackSucceeded, "menu:play-success")})

	want := []recordedCommand{
		{Kind: CommandStartRecognition, CallID: "call-1", Tag: "menu:recognize"},
		{Kind: CommandPlayPrompt, CallID: "call-1", Tag: "menu:play-success"},
		{Kind: CommandHangUp, CallID: "call-1"},
	}
	cmds := exec.recorded()
	if len(cmds) != len(want) {
		t.Fatalf("got %d commands, want %d: %+v", len(cmds), len(want), cmds)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Fatalf("command %d = %+v, want %+v", i, cmds[i], want[i])
		}
	}

	recs := rec.recorded()
	if len(recs) != 1 {
		t.Fatalf("got %d disposition records, want 1", len(recs))
	}
	if recs[0].Disposition != DispositionCompleted {
		t.Fatalf("disposition = %q, want %q", recs[0].Disposition, DispositionCompleted)
	}
	if recs[0].CallID != "call-1" {
		t.Fatalf("record call ID = %q", recs[0].CallID)
	}

	sess, ok := store.Get("call-1")
	if !ok || !sess.Terminated() {
		t.Fatal("session missing or not terminated after conversation")
	}
}

func TestRouterBatchPreservesPerCallOrder(t *testing.T) {
	exec := newMockExecutor()
	r, _ := newTestRouter(t, exec, nil)

	got := callEv("call-1", EventRecognitionSucceeded, "menu:recognize")
	got.Label = "Confirm"

	// A single batch carrying an entire conversation, in order.
	r.Dispatch(context.Background(), []CallbackEvent{
		callEv("call-1", EventConnectConfirmed, ""),
		got,
		callEv("call-1", EventPlaybackSucceeded, "menu:play-success"),
	})

	cmds := exec.recorded()
	if len(cmds) != 3 || cmds[2].Kind != CommandHangUp {
		t.Fatalf("batch did not drive the call to hang-up: %+v", cmds)
	}

	applied, stale := r.EventStats()
	if applied != 3 || stale != 0 {
		t.Fatalf("stats applied=%d stale=%d, want 3/0", applied, stale)
	}
}

func TestRouterIndependentCallsBothProgress(t *testing.T) {
	exec := newMockExecutor()
	r, _ := newTestRouter(t, exec, nil)

	r.Dispatch(context.Background(), []CallbackEvent{
		callEv("call-a", EventConnectConfirmed, ""),
		callEv("call-b", EventConnectConfirmed, ""),
	})

	if n := exec.countKind(CommandStartRecognition); n != 2 {
		t.Fatalf("got %d recognition starts, want 2", n)
	}
}

func TestRouterDuplicateCountedStale(t *testing.T) {
	exec := newMockExecutor()
	r, _ := newTestRouter(t, exec, nil)

	ctx := context.Background()
	r.Dispatch(ctx, []CallbackEvent{
		callEv("call-1", EventConnectConfirmed, ""),
		callEv("call-1", EventConnectConfirmed, ""),
	})

	applied, stale := r.EventStats()
	if applied != 1 || stale != 1 {
		t.Fatalf("stats applied=%d stale=%d, want 1/1", applied, stale)
	}
	if n := exec.countKind(CommandStartRecognition); n != 1 {
		t.Fatalf("duplicate connect issued %d recognition starts, want 1", n)
	}
}

func TestRouterTransportFailureDrivesHangUp(t *testing.T) {
	exec := newMockExecutor()
	exec.failKinds[CommandStartRecognition] = errors.New("platform unavailable")
	rec := &mockRecorder{}
	r, store := newTestRouter(t, exec, rec)

	ctx := context.Background()
	r.Dispatch(ctx, []CallbackEvent{callEv("call-1", EventConnectConfirmed, "")})

	// Every rejected recognition start becomes a synthetic failure applied
	// in the same critical section; the retry budget (2) bounds them, then
	// the fallback prompt is scheduled. All within a single Dispatch.
	if n := exec.countKind(CommandStartRecognition); n != 3 {
		t.Fatalf("got %d recognition attempts, want budget+1 = 3", n)
	}
	if n := exec.countKind(CommandPlayPrompt); n != 1 {
		t.Fatalf("got %d prompt plays, want 1", n)
	}

	sess, _ := store.Get("call-1")
	if sess == nil || sess.State != StateAwaitingPlayback {
		t.Fatal("session should be awaiting the fallback playback")
	}

	// The fallback prompt itself played fine; its completion event finishes
	// the call.
	r.Dispatch(ctx, []CallbackEvent{callEv("call-1", EventPlaybackSucceeded, "menu:play-fallback")})

	if n := exec.countKind(CommandHangUp); n != 1 {
		t.Fatalf("got %d hang-ups, want 1", n)
	}
	if !sess.Terminated() {
		t.Fatal("session did not reach termination despite transport failures")
	}
	recs := rec.recorded()
	if len(recs) != 1 || recs[0].Disposition != DispositionNoMatch {
		t.Fatalf("disposition records = %+v, want one no-match record", recs)
	}
}

func TestRouterPlayFailureSynthesizedToTermination(t *testing.T) {
	exec := newMockExecutor()
	exec.failKinds[CommandPlayPrompt] = errors.New("media stream gone")
	r, store := newTestRouter(t, exec, nil)

	ctx := context.Background()
	r.Dispatch(ctx, []CallbackEvent{callEv("call-1", EventConnectConfirmed, "")})

	got := callEv("call-1", EventRecognitionSucceeded, "menu:recognize")
	got.Label = "Confirm"
	r.Dispatch(ctx, []CallbackEvent{got})

	// The rejected terminal playback is treated like a failed playback and
	// the call still hangs up.
	if n := exec.countKind(CommandHangUp); n != 1 {
		t.Fatalf("got %d hang-ups, want 1", n)
	}
	sess, _ := store.Get("call-1")
	if sess == nil || !sess.Terminated() {
		t.Fatal("session not terminated after rejected playback")
	}
}

func TestRouterLazySessionFromInboundEvent(t *testing.T) {
	exec := newMockExecutor()
	r, store := newTestRouter(t, exec, nil)

	r.Dispatch(context.Background(), []CallbackEvent{callEv("inbound-1", EventConnectConfirmed, "")})

	if _, ok := store.Get("inbound-1"); !ok {
		t.Fatal("no session created for first-seen inbound call")
	}
	if n := exec.countKind(CommandStartRecognition); n != 1 {
		t.Fatalf("inbound call did not start recognition (%d)", n)
	}
}

func TestRouterStartCallDuplicate(t *testing.T) {
	exec := newMockExecutor()
	r, _ := newTestRouter(t, exec, nil)

	if err := r.StartCall("call-1"); err != nil {
		t.Fatalf("first StartCall: %v", err)
	}
	if err := r.StartCall("call-1"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("second StartCall error = %v, want ErrSessionExists", err)
	}
}

func TestRouterUnknownCallEventsDiscarded(t *testing.T) {
	exec := newMockExecutor()
	r, store := newTestRouter(t, exec, nil)

	// Trailing duplicates for calls whose sessions have been evicted must
	// not re-create sessions that then wait on a connect forever.
	evs := make([]CallbackEvent, 0, 20)
	for i := 0; i < 20; i++ {
		evs = append(evs, callEv(fmt.Sprintf("gone-%d", i), EventPlaybackSucceeded, "menu:play-success"))
	}
	r.Dispatch(context.Background(), evs)

	if store.Len() != 0 {
		t.Fatalf("store tracks %d sessions for unknown calls, want 0", store.Len())
	}
	if n := len(exec.recorded()); n != 0 {
		t.Fatalf("unknown-call events issued %d commands, want 0", n)
	}
	applied, stale := r.EventStats()
	if applied != 0 || stale != 20 {
		t.Fatalf("stats applied=%d stale=%d, want 0/20", applied, stale)
	}
}

func TestRouterConcurrentWithStoreScrapes(t *testing.T) {
	exec := newMockExecutor()
	rec := &mockRecorder{}
	r, store := newTestRouter(t, exec, rec)

	// Hammer the store's read paths the way the metrics scrape and cleanup
	// ticker do while full conversations are in flight.
	done := make(chan struct{})
	var scrapes sync.WaitGroup
	scrapes.Add(1)
	go func() {
		defer scrapes.Done()
		for {
			select {
			case <-done:
				return
			default:
				store.ActiveCount()
				store.sweep(time.Now())
			}
		}
	}()

	ctx := context.Background()
	var calls sync.WaitGroup
	for i := 0; i < 8; i++ {
		calls.Add(1)
		go func(i int) {
			defer calls.Done()
			id := fmt.Sprintf("call-%d", i)
			got := callEv(id, EventRecognitionSucceeded, "menu:recognize")
			got.Label = "Confirm"
			r.Dispatch(ctx, []CallbackEvent{
				callEv(id, EventConnectConfirmed, ""),
				got,
				callEv(id, EventPlaybackSucceeded, "menu:play-success"),
			})
		}(i)
	}
	calls.Wait()
	close(done)
	scrapes.Wait()

	if got := store.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount after all calls finished = %d, want 0", got)
	}
	if n := len(rec.recorded()); n != 8 {
		t.Fatalf("got %d disposition records, want 8", n)
	}
}

func TestRouterEmptyCallIDIgnored(t *testing.T) {
	exec := newMockExecutor()
	r, store := newTestRouter(t, exec, nil)

	r.Dispatch(context.Background(), []CallbackEvent{{Kind: EventConnectConfirmed, Received: time.Now()}})

	if store.Len() != 0 {
		t.Fatalf("session created for event without a call ID")
	}
}
