package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RehanRiaz5383/lmsinbox/internal/bus"
	"github.com/RehanRiaz5383/lmsinbox/internal/model"
	"github.com/RehanRiaz5383/lmsinbox/internal/transport"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeAPI implements API with per-test canned data and call counters.
type fakeAPI struct {
	mu sync.Mutex

	conversations []model.Conversation
	messages      map[string][]model.Message

	listConvoCalls   int
	listMsgCalls     map[string]int
	markReadCalls    map[string]int
	sendCalls        int
	sendErr          error
	listMsgGate      map[string]chan struct{} // blocks ListMessages until closed
	nextConfirmedID  string
	createdForUser   string
	createdReturning *model.Conversation
	createErr        error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		messages:      make(map[string][]model.Message),
		listMsgCalls:  make(map[string]int),
		markReadCalls: make(map[string]int),
		listMsgGate:   make(map[string]chan struct{}),
	}
}

func (f *fakeAPI) ListConversations(context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listConvoCalls++
	return append([]model.Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) GetOrCreateConversation(_ context.Context, otherUserID string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdForUser = otherUserID
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.createdReturning != nil {
		return f.createdReturning, nil
	}
	return &model.Conversation{ID: "created-" + otherUserID, OtherParticipant: model.Participant{ID: otherUserID}}, nil
}

func (f *fakeAPI) ListMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	f.mu.Lock()
	f.listMsgCalls[conversationID]++
	gate := f.listMsgGate[conversationID]
	msgs := append([]model.Message(nil), f.messages[conversationID]...)
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return msgs, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, conversationID, body string, attachment *model.Attachment) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	id := f.nextConfirmedID
	if id == "" {
		id = fmt.Sprintf("srv-%d", f.sendCalls)
	}
	return &model.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "me",
		Body:           body,
		Attachment:     attachment,
		CreatedAt:      base.Add(time.Duration(f.sendCalls) * time.Second),
	}, nil
}

func (f *fakeAPI) MarkAsRead(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls[conversationID]++
	return nil
}

// fakeChannel implements Channel; tests deliver events by invoking the
// registered handlers synchronously.
type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	emits     []emittedEvent
	handlers  map[string][]transport.Handler
	emitErr   error
}

type emittedEvent struct {
	Event   string
	Payload any
}

func newFakeChannel(connected bool) *fakeChannel {
	return &fakeChannel{connected: connected, handlers: make(map[string][]transport.Handler)}
}

func (f *fakeChannel) Connect(context.Context) error { return nil }

func (f *fakeChannel) On(event string, fn transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], fn)
	return func() {}
}

func (f *fakeChannel) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emittedEvent{Event: event, Payload: payload})
	return nil
}

func (f *fakeChannel) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transport.Status{Connected: f.connected}
}

func (f *fakeChannel) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	fns := append([]transport.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeChannel) emitted(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e.Event == event {
			n++
		}
	}
	return n
}

// fakeClock collects scheduled timers so tests fire them deterministically.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	s := t.stopped
	t.stopped = true
	return !s
}

func newFakeClock() *fakeClock { return &fakeClock{now: base} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fn: f}
	c.timers = append(c.timers, t)
	return t
}

// fire runs every timer that has not been stopped, simulating the debounce
// window elapsing.
func (c *fakeClock) fire() int {
	c.mu.Lock()
	pending := c.timers
	c.timers = nil
	c.mu.Unlock()
	fired := 0
	for _, t := range pending {
		if !t.stopped {
			t.stopped = true
			t.fn()
			fired++
		}
	}
	return fired
}

type countingNotifier struct {
	mu   sync.Mutex
	msgs []model.Message
}

func (n *countingNotifier) Notify(msg model.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

func incoming(id, convo, sender, body string, offset time.Duration) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: convo,
		SenderID:       sender,
		Body:           body,
		CreatedAt:      base.Add(offset),
	}
}

type fixture struct {
	api      *fakeAPI
	ch       *fakeChannel
	clock    *fakeClock
	notifier *countingNotifier
	bus      *bus.Bus
	ctl      *Controller
}

func newFixture(t *testing.T, connected bool) *fixture {
	t.Helper()
	api := newFakeAPI()
	api.conversations = []model.Conversation{
		{ID: "c1", OtherParticipant: model.Participant{ID: "u2", DisplayName: "Ada"}},
		{ID: "c2", OtherParticipant: model.Participant{ID: "u3", DisplayName: "Bea"}},
	}
	ch := newFakeChannel(connected)
	clock := newFakeClock()
	notifier := &countingNotifier{}
	b := bus.New()
	ctl := New(api, ch, b, nil, Options{
		SelfID:          "me",
		Notifier:        notifier,
		Clock:           clock,
		RefreshDebounce: 2 * time.Second,
	})
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return &fixture{api: api, ch: ch, clock: clock, notifier: notifier, bus: b, ctl: ctl}
}

func TestOpenLoadsTimelineAndMarksRead(t *testing.T) {
	fx := newFixture(t, true)
	fx.api.messages["c1"] = []model.Message{incoming("1", "c1", "u2", "hi", 0)}

	if err := fx.ctl.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if got := fx.ctl.State(); got != StateReady {
		t.Errorf("state = %s, want READY", got)
	}
	if got := fx.ctl.Timeline().Messages(); len(got) != 1 || got[0].ID != "1" {
		t.Errorf("timeline = %+v", got)
	}
	if fx.api.markReadCalls["c1"] != 1 {
		t.Errorf("markAsRead calls = %d, want 1", fx.api.markReadCalls["c1"])
	}
}

// Opening the same conversation twice in a row triggers at most one fetch.
func TestReopenIsIdempotent(t *testing.T) {
	fx := newFixture(t, true)

	if err := fx.ctl.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if err := fx.ctl.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if fx.api.listMsgCalls["c1"] != 1 {
		t.Errorf("ListMessages calls = %d, want 1", fx.api.listMsgCalls["c1"])
	}
}

// Switching to B while A's fetch is in flight: A's late result must not
// overwrite B's timeline.
func TestStaleFetchDiscarded(t *testing.T) {
	fx := newFixture(t, true)
	fx.api.messages["a"] = []model.Message{incoming("a1", "a", "u2", "from-a", 0)}
	fx.api.messages["b"] = []model.Message{incoming("b1", "b", "u3", "from-b", 0)}

	gate := make(chan struct{})
	fx.api.mu.Lock()
	fx.api.listMsgGate["a"] = gate
	fx.api.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- fx.ctl.Open(context.Background(), "a") }()

	// Wait until a's fetch is actually in flight.
	for i := 0; ; i++ {
		fx.api.mu.Lock()
		started := fx.api.listMsgCalls["a"] == 1
		fx.api.mu.Unlock()
		if started {
			break
		}
		if i > 100 {
			t.Fatal("a's fetch never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := fx.ctl.Open(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if got := fx.ctl.Timeline().ConversationID(); got != "b" {
		t.Fatalf("timeline bound to %q, want b", got)
	}
	msgs := fx.ctl.Timeline().Messages()
	if len(msgs) != 1 || msgs[0].ID != "b1" {
		t.Errorf("timeline = %+v, want only b1", msgs)
	}
	if got := fx.ctl.State(); got != StateReady {
		t.Errorf("state = %s, want READY", got)
	}
}

// Scenario: send "Hello" while connected; the echo confirms the optimistic
// entry without duplicating it.
func TestSendConnectedEchoReconciles(t *testing.T) {
	fx := newFixture(t, true)
	if err := fx.ctl.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	tempID, err := fx.ctl.Send(context.Background(), "Hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !model.IsTempID(tempID) {
		t.Fatalf("temp id = %q", tempID)
	}
	if fx.ch.emitted(transport.EventChatMessage) != 1 {
		t.Fatal("chat_message not emitted over channel")
	}
	if fx.api.sendCalls != 0 {
		t.Error("REST fallback used while connected")
	}
	if got := fx.ctl.Timeline().Messages(); len(got) != 1 || !got[0].IsTemp() {
		t.Fatalf("before echo: %+v", got)
	}

	fx.ch.deliver(t, transport.EventNewMessage, incoming("42", "c1", "me", "Hello", time.Minute))

	got := fx.ctl.Timeline().Messages()
	if len(got) != 1 {
		t.Fatalf("after echo: %d entries, want 1", len(got))
	}
	if got[0].ID != "42" {
		t.Errorf("id = %q, want 42", got[0].ID)
	}
}

func TestSendDisconnectedFallsBackToREST(t *testing.T) {
	fx := newFixture(t, false)
	if err := fx.ctl.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	fx.api.nextConfirmedID = "77"
	if _, err := fx.ctl.Send(context.Background(), "offline hello", nil); err != nil {
		t.Fatal(err)
	}
	if fx.api.sendCalls != 1 {
		t.Fatalf("REST send calls = %d, want 1", fx.api.sendCalls)
	}
	got := fx.ctl.Timeline().Messages()
	if len(got) != 1 || got[0].ID != "77" {
		t.Errorf("timeline = %+v, want confirmed 77", got)
	}
}

func TestSendFailureRollsBack(t *testing.T) {
	fx := newFixture(t, false)
	if err := fx.ctl.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	fx.api.sendErr = fmt.Errorf("boom")
	if _, err := fx.ctl.Send(context.Background(), "doomed", nil); err == nil {
		t.Fatal("expected send error")
	}
	if got := fx.ctl.Timeline().Messages(); len(got) != 0 {
		t.Errorf("optimistic entry not rolled back: %+v", got)
	}
}

func TestSendValidation(t *testing.T) {
	fx := newFixture(t, true)

	if _, err := fx.ctl.Send(context.Background(), "hi", nil); err == nil {
		t.Error("send without open conversation should fail")
	}

	if err := fx.ctl.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.ctl.Send(context.Background(), "", nil); err == nil {
		t.Error("send with no body and no attachment should fail")
	}
	if fx.api.sendCalls != 0 || fx.ch.emitted(transport.EventChatMessage) != 0 {
		t.Error("validation failure issued a network call")
	}
}

// Scenario: incoming message for the open conversation keeps unread at 0
// and triggers mark-as-read.
func TestIncomingOpenConversationStaysRead(t *testing.T) {
	fx := newFixture(t, true)
	if err := fx.ctl.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	before := fx.api.markReadCalls["c1"]

	fx.ch.deliver(t, transport.EventNewMessage, incoming("9", "c1", "u2", "ping", time.Minute))

	if c, _ := fx.ctl.Directory().Get("c1"); c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}
	if fx.api.markReadCalls["c1"] != before+1 {
		t.Errorf("markAsRead calls = %d, want %d", fx.api.markReadCalls["c1"], before+1)
	}
	if got := fx.ctl.Timeline().Messages(); len(got) != 1 {
		t.Errorf("timeline = %+v", got)
	}
}

// Scenario: five messages for a background conversation bump unread to 5
// and coalesce into exactly one debounced refresh.
func TestBackgroundBurstCoalescesRefresh(t *testing.T) {
	fx := newFixture(t, true)
	if err := fx.ctl.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	baseCalls := fx.api.listConvoCalls

	for i := 0; i < 5; i++ {
		fx.ch.deliver(t, transport.EventNewMessage,
			incoming(fmt.Sprintf("m%d", i), "c2", "u3", fmt.Sprintf("burst %d", i), time.Duration(i)*time.Second))
	}

	if c, _ := fx.ctl.Directory().Get("c2"); c.UnreadCount != 5 {
		t.Errorf("unread = %d, want 5", c.UnreadCount)
	}

	fired := fx.clock.fire()
	if fired != 1 {
		t.Errorf("fired %d refresh timers, want 1 (coalesced)", fired)
	}
	if got := fx.api.listConvoCalls - baseCalls; got != 1 {
		t.Errorf("directory refreshes = %d, want exactly 1", got)
	}
}

func TestBackgroundMessagePublishesDirectoryUpdate(t *testing.T) {
	fx := newFixture(t, true)
	if err := fx.ctl.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	events, unsub := fx.bus.Subscribe(bus.KindDirectoryUpdated, 8)
	defer unsub()

	fx.ch.deliver(t, transport.EventNewMessage, incoming("b1", "c2", "u3", "psst", time.Minute))
	fx.ch.deliver(t, transport.EventNewMessage, incoming("b2", "c2", "u3", "psst again", 2*time.Minute))

	var updates []bus.DirectoryUpdate
	for len(events) > 0 {
		evt := <-events
		up, ok := evt.Payload.(bus.DirectoryUpdate)
		if !ok {
			t.Fatalf("payload = %T, want bus.DirectoryUpdate", evt.Payload)
		}
		updates = append(updates, up)
	}
	if len(updates) != 2 {
		t.Fatalf("directory.updated events = %d, want 2", len(updates))
	}
	last := updates[len(updates)-1]
	if last.ConversationID != "c2" {
		t.Errorf("conversation = %q, want c2", last.ConversationID)
	}
	if last.TotalUnread != 2 {
		t.Errorf("total unread = %d, want 2", last.TotalUnread)
	}
}

func TestNotificationOncePerQualifyingMessage(t *testing.T) {
	fx := newFixture(t, true)
	if err := fx.ctl.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	// Qualifies: other sender, background conversation.
	fx.ch.deliver(t, transport.EventNewMessage, incoming("n1", "c2", "u3", "pssst", 0))
	// Open conversation: no notification.
	fx.ch.deliver(t, transport.EventNewMessage, incoming("n2", "c1", "u2", "visible", time.Second))
	// Own echo: no notification.
	fx.ch.deliver(t, transport.EventNewMessage, incoming("n3", "c2", "me", "mine", 2*time.Second))

	if got := fx.notifier.count(); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}
}

// A push event for a conversation the directory has never seen synthesizes
// a minimal entry instead of being dropped.
func TestUnknownConversationSynthesized(t *testing.T) {
	fx := newFixture(t, true)

	fx.ch.deliver(t, transport.EventNewMessage, incoming("x1", "c-new", "u99", "first contact", 0))

	c, ok := fx.ctl.Directory().Get("c-new")
	if !ok {
		t.Fatal("no directory entry synthesized")
	}
	if c.OtherParticipant.ID != "u99" || c.UnreadCount != 1 {
		t.Errorf("synthesized entry = %+v", c)
	}
}

func TestTypingLifecycle(t *testing.T) {
	fx := newFixture(t, true)
	if err := fx.ctl.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	fx.ch.deliver(t, transport.EventUserTyping, model.TypingEvent{ConversationID: "c1", UserID: "u2", IsTyping: true})
	if got := fx.ctl.TypingUsers(); len(got) != 1 || got[0] != "u2" {
		t.Errorf("typing = %v, want [u2]", got)
	}

	// Typing in a different conversation is ignored.
	fx.ch.deliver(t, transport.EventUserTyping, model.TypingEvent{ConversationID: "c2", UserID: "u3", IsTyping: true})
	if got := fx.ctl.TypingUsers(); len(got) != 1 {
		t.Errorf("typing = %v, want only u2", got)
	}

	fx.ch.deliver(t, transport.EventUserTyping, model.TypingEvent{ConversationID: "c1", UserID: "u2", IsTyping: false})
	if got := fx.ctl.TypingUsers(); len(got) != 0 {
		t.Errorf("typing = %v after stop, want empty", got)
	}

	// Switching conversations clears the set.
	fx.ch.deliver(t, transport.EventUserTyping, model.TypingEvent{ConversationID: "c1", UserID: "u2", IsTyping: true})
	if err := fx.ctl.Open(context.Background(), "c2"); err != nil {
		t.Fatal(err)
	}
	if got := fx.ctl.TypingUsers(); len(got) != 0 {
		t.Errorf("typing = %v after switch, want empty", got)
	}
}

func TestSendImpliesTypingStop(t *testing.T) {
	fx := newFixture(t, true)
	if err := fx.ctl.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	fx.ctl.StartTyping()
	if _, err := fx.ctl.Send(context.Background(), "done typing", nil); err != nil {
		t.Fatal(err)
	}

	if fx.ch.emitted(transport.EventTypingStart) != 1 {
		t.Error("typing_start not emitted")
	}
	if fx.ch.emitted(transport.EventTypingStop) != 1 {
		t.Error("send did not imply typing_stop")
	}
}

func TestStartConversationReplacesSpeculativeEntry(t *testing.T) {
	fx := newFixture(t, true)
	fx.api.createdReturning = &model.Conversation{
		ID:               "c-real",
		OtherParticipant: model.Participant{ID: "u7", DisplayName: "Gus"},
	}

	id, err := fx.ctl.StartConversation(context.Background(), model.Participant{ID: "u7", DisplayName: "Gus"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "c-real" {
		t.Errorf("conversation id = %q, want c-real", id)
	}

	seen := 0
	for _, c := range fx.ctl.Directory().Snapshot() {
		if c.OtherParticipant.ID == "u7" {
			seen++
			if c.ID != "c-real" {
				t.Errorf("entry id = %q, want c-real", c.ID)
			}
		}
	}
	if seen != 1 {
		t.Errorf("entries for u7 = %d, want 1 (speculative replaced)", seen)
	}
}

func TestStartConversationFailureLeavesNoEntry(t *testing.T) {
	fx := newFixture(t, true)
	fx.api.createErr = errors.New("backend down")

	if _, err := fx.ctl.StartConversation(context.Background(), model.Participant{ID: "u8", DisplayName: "Hal"}); err == nil {
		t.Fatal("expected error from failed conversation create")
	}

	for _, c := range fx.ctl.Directory().Snapshot() {
		if c.OtherParticipant.ID == "u8" {
			t.Errorf("directory retained entry %+v after failed create", c)
		}
	}
}

func TestStartConversationReusesExisting(t *testing.T) {
	fx := newFixture(t, true)

	id, err := fx.ctl.StartConversation(context.Background(), model.Participant{ID: "u2"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "c1" {
		t.Errorf("id = %q, want existing c1", id)
	}
	if fx.api.createdForUser != "" {
		t.Error("GetOrCreateConversation called for an existing conversation")
	}
}
