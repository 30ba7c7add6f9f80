package notify

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/alert"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/lease"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/metrics"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/state"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/threat"
	"github.com/dj-oyu/citywatch/sentinel-server/pkg/types"
)

type apiCall struct {
	Method string
	ChatID string
	Text   string
	File   string
}

// fakeTelegram is a Bot API stand-in that records every call.
type fakeTelegram struct {
	mu       sync.Mutex
	calls    []apiCall
	updates  []Update
	polls    int
	failChat string
	hangChat string        // requests for this chat block until the client gives up
	pollWait time.Duration // idle getUpdates latency
	srv      *httptest.Server
}

func newFakeTelegram(t *testing.T) *fakeTelegram {
	f := &fakeTelegram{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTelegram) serve(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
	w.Header().Set("Content-Type", "application/json")

	if method == "getUpdates" {
		f.mu.Lock()
		pending := f.updates
		f.updates = nil
		f.polls++
		wait := f.pollWait
		f.mu.Unlock()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		if len(pending) == 0 {
			select {
			case <-r.Context().Done():
			case <-time.After(wait):
			}
		}
		if pending == nil {
			pending = []Update{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": pending})
		return
	}

	call := apiCall{Method: method}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		_ = r.ParseMultipartForm(1 << 20)
		call.ChatID = r.FormValue("chat_id")
		call.Text = r.FormValue("caption")
		for field := range r.MultipartForm.File {
			call.File = field
		}
	} else {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if id, ok := body["chat_id"].(float64); ok {
			call.ChatID = strconv.FormatInt(int64(id), 10)
		}
		call.Text, _ = body["text"].(string)
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	fail := f.failChat != "" && call.ChatID == f.failChat
	hang := f.hangChat != "" && call.ChatID == f.hangChat
	f.mu.Unlock()

	if hang {
		<-r.Context().Done()
		return
	}

	if fail {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 403, "description": "Forbidden: bot was blocked by the user"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": true})
}

func (f *fakeTelegram) queue(u ...Update) {
	f.mu.Lock()
	f.updates = append(f.updates, u...)
	f.mu.Unlock()
}

func (f *fakeTelegram) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeTelegram) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func (f *fakeTelegram) methods() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, c.Method)
	}
	return out
}

func (f *fakeTelegram) client() *Telegram {
	return NewTelegram(f.srv.URL, "TOKEN", nil)
}

// fakeSource stands in for the pipeline.
type fakeSource struct {
	mu      sync.Mutex
	started bool
	latest  *state.Published
	recent  []image.Image
	events  []alert.Event
	grid    bool
	tests   int
}

func (s *fakeSource) LatestFrame() (*state.Published, bool) { return s.latest, s.latest != nil }
func (s *fakeSource) RecentFrames(int) []image.Image       { return s.recent }
func (s *fakeSource) Started() bool                         { return s.started }
func (s *fakeSource) Statistics() threat.Statistics {
	return threat.Statistics{FramesProcessed: 42, ThreatsToday: 3, ZonesMonitored: 4, UptimeSeconds: 7}
}
func (s *fakeSource) ThreatEvents() []alert.Event { return s.events }
func (s *fakeSource) ToggleGridMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grid = !s.grid
	return s.grid
}
func (s *fakeSource) GridMode() bool { return s.grid }
func (s *fakeSource) TriggerTestAlert() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tests++
	return true
}

func newTestBot(t *testing.T, f *fakeTelegram, src Source) (*Bot, *Registry) {
	reg := NewRegistry()
	cfg := DefaultBotConfig()
	cfg.PollTimeout = 0
	cfg.ErrorBackoff = 10 * time.Millisecond
	cfg.Zones = []types.Zone{{ID: 1, Name: "North Sector", Status: "ACTIVE", Lat: 40.7589, Lon: -73.9851}}
	l := lease.NewFileLease(t.TempDir()+"/bot.lock", lease.DefaultTTL)
	return NewBot(f.client(), reg, src, l, cfg, nil, metrics.New()), reg
}

func TestTelegram_ErrorDescription(t *testing.T) {
	f := newFakeTelegram(t)
	f.failChat = "99"

	err := f.client().SendMessage(context.Background(), 99, "hi", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "blocked")
}

func TestTelegram_GetUpdates(t *testing.T) {
	f := newFakeTelegram(t)
	f.queue(Update{UpdateID: 7, Message: &Message{Chat: Chat{ID: 1}, Text: "/status"}})

	updates, err := f.client().GetUpdates(context.Background(), 0, 0, 0)

	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, int64(7), updates[0].UpdateID)
	assert.Equal(t, "/status", updates[0].Message.Text)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	assert.False(t, r.SetMuted(5, true), "unknown chat")
	r.Subscribe(3, now)
	r.Subscribe(1, now)
	r.Subscribe(2, now)
	require.True(t, r.SetMuted(2, true))

	assert.Equal(t, []int64{1, 3}, r.Active())
	assert.True(t, r.Muted(2))
	assert.Equal(t, 3, r.Len())

	// resubscribing unmutes
	r.Subscribe(2, now)
	assert.Equal(t, []int64{1, 2, 3}, r.Active())
}

func TestTelegramDispatcher_OneFailureDoesNotStopOthers(t *testing.T) {
	f := newFakeTelegram(t)
	f.failChat = "2"
	reg := NewRegistry()
	for _, id := range []int64{1, 2, 3} {
		reg.Subscribe(id, time.Now())
	}
	reg.Subscribe(4, time.Now())
	reg.SetMuted(4, true)

	d := NewTelegramDispatcher(f.client(), reg, DefaultLocation(), nil)
	d.pause = 0
	err := d.Dispatch(context.Background(), alert.Alert{Type: alert.TypeWeapon, Time: time.Now(), JPEG: []byte{0xff, 0xd8}})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat 2")

	byChat := map[string][]string{}
	for _, c := range f.Calls() {
		byChat[c.ChatID] = append(byChat[c.ChatID], c.Method)
	}
	assert.Equal(t, []string{"sendPhoto", "sendLocation"}, byChat["1"])
	assert.Equal(t, []string{"sendPhoto"}, byChat["2"])
	assert.Equal(t, []string{"sendPhoto", "sendLocation"}, byChat["3"])
	assert.Empty(t, byChat["4"], "muted chat")
}

func TestTelegramDispatcher_StalledChatDoesNotStarveOthers(t *testing.T) {
	f := newFakeTelegram(t)
	f.hangChat = "1"
	reg := NewRegistry()
	for _, id := range []int64{1, 2, 3} {
		reg.Subscribe(id, time.Now())
	}

	d := NewTelegramDispatcher(f.client(), reg, DefaultLocation(), nil)
	d.pause = 0
	d.perRecipient = 300 * time.Millisecond

	// the caller's deadline is shorter than one stalled delivery
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := d.Dispatch(ctx, alert.Alert{Type: alert.TypeWeapon, Time: time.Now(), JPEG: []byte{0xff, 0xd8}})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat 1")
	assert.NotContains(t, err.Error(), "chat 2")
	assert.NotContains(t, err.Error(), "chat 3")
	assert.Less(t, time.Since(start), 2*time.Second)

	byChat := map[string][]string{}
	for _, c := range f.Calls() {
		byChat[c.ChatID] = append(byChat[c.ChatID], c.Method)
	}
	assert.Equal(t, []string{"sendPhoto", "sendLocation"}, byChat["2"])
	assert.Equal(t, []string{"sendPhoto", "sendLocation"}, byChat["3"])
}

func TestTelegramDispatcher_CancelStopsDelivery(t *testing.T) {
	f := newFakeTelegram(t)
	f.hangChat = "1"
	reg := NewRegistry()
	reg.Subscribe(1, time.Now())

	d := NewTelegramDispatcher(f.client(), reg, DefaultLocation(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	err := d.Dispatch(ctx, alert.Alert{Type: alert.TypeWeapon, Time: time.Now()})

	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTelegramDispatcher_TextWithoutSnapshot(t *testing.T) {
	f := newFakeTelegram(t)
	reg := NewRegistry()
	reg.Subscribe(1, time.Now())

	d := NewTelegramDispatcher(f.client(), reg, DefaultLocation(), nil)
	d.pause = 0
	require.NoError(t, d.Dispatch(context.Background(), alert.Alert{Type: alert.TypeTest, Time: time.Now()}))

	calls := f.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "sendMessage", calls[0].Method)
	assert.Contains(t, calls[0].Text, "CRITICAL ALERT: TEST ALERT")
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	topic   string
	qos     byte
	payload []byte
	err     error
	hang    bool
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	p.topic, p.qos = topic, qos
	p.payload, _ = payload.([]byte)
	tok := &fakeToken{err: p.err, done: make(chan struct{})}
	if !p.hang {
		close(tok.done)
	}
	return tok
}

func TestMQTTDispatcher_PublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	d := NewMQTTDispatcher(pub, "citywatch/alerts")

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := d.Dispatch(context.Background(), alert.Alert{ID: "a1", Type: alert.TypePersonDown, Time: at, Zone: "NORTH SECTOR", ThreatLevel: 70, JPEG: []byte{1}})
	require.NoError(t, err)

	assert.Equal(t, "citywatch/alerts", pub.topic)
	assert.Equal(t, byte(1), pub.qos)
	var got map[string]any
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, "PERSON DOWN", got["type"])
	assert.Equal(t, float64(70), got["threat_level"])
	assert.Equal(t, true, got["has_snapshot"])
}

func TestMQTTDispatcher_Errors(t *testing.T) {
	d := NewMQTTDispatcher(&fakePublisher{err: errors.New("not connected")}, "t")
	err := d.Dispatch(context.Background(), alert.Alert{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	d = NewMQTTDispatcher(&fakePublisher{hang: true}, "t")
	d.timeout = 20 * time.Millisecond
	err = d.Dispatch(context.Background(), alert.Alert{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestMulti_CallsAllAndJoinsErrors(t *testing.T) {
	var calls int
	ok := alert.DispatcherFunc(func(context.Context, alert.Alert) error { calls++; return nil })
	bad := alert.DispatcherFunc(func(context.Context, alert.Alert) error { calls++; return errors.New("boom") })

	err := Multi{bad, ok, bad}.Dispatch(context.Background(), alert.Alert{})

	assert.Equal(t, 3, calls)
	require.Error(t, err)
	assert.Equal(t, "boom\nboom", err.Error())
}

func TestBot_StartSubscribesWithKeyboard(t *testing.T) {
	f := newFakeTelegram(t)
	b, reg := newTestBot(t, f, &fakeSource{})

	b.HandleCommand(context.Background(), 10, "/start")

	assert.Equal(t, []int64{10}, reg.Active())
	require.Len(t, f.Calls(), 1)
	assert.Contains(t, f.Calls()[0].Text, "CITYWATCH SENTINEL")
	assert.Equal(t, map[string]int{"/start": 1}, b.CommandStats())
}

func TestBot_Commands(t *testing.T) {
	tests := []struct {
		name    string
		source  *fakeSource
		text    string
		methods []string
		want    string
	}{
		{"status initializing", &fakeSource{}, "/status", []string{"sendMessage"}, "Initializing"},
		{"status", &fakeSource{started: true}, "/status", []string{"sendMessage"}, "Threats Today:* `3`"},
		{"snap offline", &fakeSource{}, "/snap", []string{"sendMessage"}, "Camera Offline"},
		{"snap", &fakeSource{latest: &state.Published{JPEG: []byte{0xff, 0xd8}}}, "/snap", []string{"sendPhoto"}, "Snapshot"},
		{"clip short", &fakeSource{}, "/clip", []string{"sendMessage", "sendMessage"}, "Not enough frames"},
		{"zones", &fakeSource{}, "/zones", []string{"sendMessage"}, "North Sector"},
		{"history empty", &fakeSource{}, "/history", []string{"sendMessage"}, "No threat events"},
		{"history", &fakeSource{events: []alert.Event{{Type: alert.TypeWeapon, Zone: "NORTH SECTOR"}}}, "/history", []string{"sendMessage"}, "WEAPON DETECTED"},
		{"location", &fakeSource{}, "/location", []string{"sendMessage", "sendLocation", "sendMessage"}, "North-East"},
		{"grid", &fakeSource{}, "/grid", []string{"sendMessage"}, "ON (2x2)"},
		{"group suffix", &fakeSource{}, "/help@CityWatchBot", []string{"sendMessage"}, "COMMAND REFERENCE"},
		{"unknown", &fakeSource{}, "/selfdestruct", []string{"sendMessage"}, "Unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeTelegram(t)
			b, _ := newTestBot(t, f, tt.source)

			b.HandleCommand(context.Background(), 1, tt.text)

			assert.Equal(t, tt.methods, f.methods())
			calls := f.Calls()
			last := calls[len(calls)-1]
			assert.Contains(t, last.Text, tt.want)
		})
	}
}

func TestBot_UnknownCommandNotCounted(t *testing.T) {
	f := newFakeTelegram(t)
	b, _ := newTestBot(t, f, &fakeSource{})

	b.HandleCommand(context.Background(), 1, "/nope")

	assert.Empty(t, b.CommandStats())
}

func TestBot_MuteUnmute(t *testing.T) {
	f := newFakeTelegram(t)
	b, reg := newTestBot(t, f, &fakeSource{})
	ctx := context.Background()

	b.HandleCommand(ctx, 5, "/start")
	b.HandleCommand(ctx, 5, "/mute")
	assert.Empty(t, reg.Active())
	b.HandleCommand(ctx, 5, "/unmute")
	assert.Equal(t, []int64{5}, reg.Active())
}

func TestBot_AlertTriggersTest(t *testing.T) {
	f := newFakeTelegram(t)
	src := &fakeSource{}
	b, _ := newTestBot(t, f, src)

	b.HandleCommand(context.Background(), 1, "/alert")

	assert.Equal(t, 1, src.tests)
}

func TestBot_CallbackAnswersAndRuns(t *testing.T) {
	f := newFakeTelegram(t)
	b, _ := newTestBot(t, f, &fakeSource{})

	b.HandleCallback(context.Background(), "cb1", 1, "zones")
	b.HandleCallback(context.Background(), "cb2", 1, "grid")

	assert.Equal(t, []string{"answerCallbackQuery", "sendMessage", "answerCallbackQuery"}, f.methods())
	assert.Equal(t, map[string]int{"/zones": 1}, b.CommandStats())
}

func TestBot_PollHandlesUpdatesAndReleasesLease(t *testing.T) {
	f := newFakeTelegram(t)
	b, reg := newTestBot(t, f, &fakeSource{})
	f.queue(Update{UpdateID: 3, Message: &Message{Chat: Chat{ID: 1}, Text: "hello"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Poll(ctx) }()

	// the backlog is cleared on start; updates after that are handled
	require.Eventually(t, func() bool { return f.pollCount() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), b.metrics.LeaseHeld.Load())
	f.queue(Update{UpdateID: 4, Message: &Message{Chat: Chat{ID: 8}, Text: "/start"}})
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not return after cancel")
	}
	assert.Equal(t, uint64(0), b.metrics.LeaseHeld.Load())

	// lease was released, so another holder can take it
	other := lease.NewFileLease(b.lease.(*lease.FileLease).Path(), lease.DefaultTTL)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBot_PollSkipsWhenLeaseHeld(t *testing.T) {
	f := newFakeTelegram(t)
	b, _ := newTestBot(t, f, &fakeSource{})

	other := lease.NewFileLease(b.lease.(*lease.FileLease).Path(), lease.DefaultTTL)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	err = b.Poll(context.Background())

	assert.ErrorIs(t, err, lease.ErrNotAcquired)
	assert.Empty(t, f.Calls())
}

func TestBot_PollKeepsLeaseFreshDuringLongPolls(t *testing.T) {
	f := newFakeTelegram(t)
	f.pollWait = 100 * time.Millisecond

	path := t.TempDir() + "/bot.lock"
	cfg := DefaultBotConfig()
	cfg.PollTimeout = 0
	cfg.LeaseRefresh = 50 * time.Millisecond
	b := NewBot(f.client(), NewRegistry(), &fakeSource{}, lease.NewFileLease(path, 300*time.Millisecond), cfg, nil, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Poll(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return b.metrics.LeaseHeld.Load() == 1 }, time.Second, 5*time.Millisecond)

	// well past the TTL, with every getUpdates taking a third of it
	time.Sleep(450 * time.Millisecond)

	standby := lease.NewFileLease(path, 300*time.Millisecond)
	ok, err := standby.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "standby took the lease from an active poller")
	assert.GreaterOrEqual(t, f.pollCount(), 3)
}
