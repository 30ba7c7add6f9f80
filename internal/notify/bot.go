package notify

import (
	"context"
	"errors"
	"fmt"
	"image"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/alert"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/lease"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/metrics"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/state"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/threat"
	"github.com/dj-oyu/citywatch/sentinel-server/pkg/types"
)

// Source is the read side of the pipeline used by bot commands.
type Source interface {
	LatestFrame() (*state.Published, bool)
	RecentFrames(n int) []image.Image
	Started() bool
	Statistics() threat.Statistics
	ThreatEvents() []alert.Event
	ToggleGridMode() bool
	GridMode() bool
	TriggerTestAlert() bool
}

// BotConfig controls the polling loop.
type BotConfig struct {
	PollTimeout  time.Duration // long-poll wait per getUpdates
	ErrorBackoff time.Duration
	LeaseRefresh time.Duration // heartbeat period, well under the lease TTL
	LeaseRetry   time.Duration // standby re-check interval when another process polls
	Zones        []types.Zone
	Location     Location
}

// DefaultBotConfig returns production settings.
func DefaultBotConfig() BotConfig {
	return BotConfig{
		PollTimeout:  10 * time.Second,
		ErrorBackoff: 2 * time.Second,
		LeaseRefresh: lease.DefaultTTL / 3,
		LeaseRetry:   30 * time.Second,
		Location:     DefaultLocation(),
	}
}

// Bot answers chat commands. Only the process holding the lease polls.
type Bot struct {
	api        *Telegram
	recipients *Registry
	source     Source
	lease      lease.Lease
	cfg        BotConfig
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	offset int64

	statsMu  sync.Mutex
	cmdStats map[string]int
}

// NewBot wires a bot. Poll does nothing until called.
func NewBot(api *Telegram, recipients *Registry, source Source, l lease.Lease, cfg BotConfig, logger *zap.Logger, m *metrics.Metrics) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Bot{
		api:        api,
		recipients: recipients,
		source:     source,
		lease:      l,
		cfg:        cfg,
		logger:     logger.Named("bot"),
		metrics:    m,
		now:        time.Now,
		cmdStats:   make(map[string]int),
	}
}

// Run polls whenever this process holds the lease, and otherwise re-checks
// every LeaseRetry so a standby takes over from a dead holder. It returns
// when ctx is done.
func (b *Bot) Run(ctx context.Context) {
	for {
		err := b.Poll(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, lease.ErrNotAcquired):
			b.logger.Info("another process is polling, this instance will skip")
		case err != nil:
			b.logger.Warn("polling stopped", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.LeaseRetry):
		}
	}
}

// Poll takes the lease and runs the getUpdates loop until ctx is done or
// the lease is lost. It returns lease.ErrNotAcquired if another process
// holds the lease.
func (b *Bot) Poll(ctx context.Context) error {
	refresh := b.cfg.LeaseRefresh
	if refresh <= 0 {
		refresh = lease.DefaultTTL / 3
	}
	// The heartbeat runs beside the long poll, which may block for the whole
	// PollTimeout. Losing the lease cancels ctx and Poll returns ErrLost.
	return lease.Run(ctx, b.lease, refresh, func(ctx context.Context) error {
		metrics.SetBool(&b.metrics.LeaseHeld, true)
		defer metrics.SetBool(&b.metrics.LeaseHeld, false)

		b.logger.Info("bot listener started", zap.String("holder", b.lease.Holder()))
		defer b.logger.Info("bot listener stopped")

		b.clearPending(ctx)

		for ctx.Err() == nil {
			if err := b.pollOnce(ctx); err != nil {
				if ctx.Err() != nil {
					break
				}
				b.metrics.BotPollErrors.Add(1)
				b.logger.Warn("poll failed", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(b.cfg.ErrorBackoff):
				}
			}
		}
		return nil
	})
}

// clearPending skips updates queued while no process was polling.
func (b *Bot) clearPending(ctx context.Context) {
	updates, err := b.api.GetUpdates(ctx, -1, 1, time.Second)
	if err != nil {
		b.logger.Warn("could not clear pending updates", zap.Error(err))
		return
	}
	if n := len(updates); n > 0 {
		b.offset = updates[n-1].UpdateID + 1
		b.logger.Info("cleared pending updates", zap.Int64("offset", b.offset))
	}
}

func (b *Bot) pollOnce(ctx context.Context) error {
	updates, err := b.api.GetUpdates(ctx, b.offset, 0, b.cfg.PollTimeout)
	if err != nil {
		return err
	}
	for _, u := range updates {
		b.offset = u.UpdateID + 1
		b.handleUpdate(ctx, u)
	}
	return nil
}

func (b *Bot) handleUpdate(ctx context.Context, u Update) {
	if m := u.Message; m != nil && strings.HasPrefix(m.Text, "/") {
		b.logger.Info("command", zap.Int64("chat_id", m.Chat.ID), zap.String("text", m.Text))
		b.HandleCommand(ctx, m.Chat.ID, m.Text)
	}
	if cq := u.CallbackQuery; cq != nil && cq.Message != nil {
		b.logger.Info("callback", zap.Int64("chat_id", cq.Message.Chat.ID), zap.String("data", cq.Data))
		b.HandleCallback(ctx, cq.ID, cq.Message.Chat.ID, cq.Data)
	}
}

// CommandStats returns usage counts per command.
func (b *Bot) CommandStats() map[string]int {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return maps.Clone(b.cmdStats)
}

func (b *Bot) track(cmd string) {
	b.statsMu.Lock()
	b.cmdStats[cmd]++
	b.statsMu.Unlock()
	b.metrics.BotCommands.Add(1)
}

func (b *Bot) totalCommands() int {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	total := 0
	for _, n := range b.cmdStats {
		total += n
	}
	return total
}

type handler func(b *Bot, ctx context.Context, chatID int64) error

var commands = map[string]handler{
	"/start":    (*Bot).cmdStart,
	"/status":   (*Bot).cmdStatus,
	"/snap":     (*Bot).cmdSnap,
	"/clip":     (*Bot).cmdClip,
	"/zones":    (*Bot).cmdZones,
	"/history":  (*Bot).cmdHistory,
	"/location": (*Bot).cmdLocation,
	"/mute":     (*Bot).cmdMute,
	"/unmute":   (*Bot).cmdUnmute,
	"/grid":     (*Bot).cmdGrid,
	"/alert":    (*Bot).cmdAlert,
	"/about":    (*Bot).cmdAbout,
	"/help":     (*Bot).cmdHelp,
}

// Buttons map to the same handlers; grid and alert are command-only.
var callbacks = []string{"snap", "status", "clip", "zones", "history", "location", "mute", "unmute", "about"}

// HandleCommand runs the command named by the first word of text.
func (b *Bot) HandleCommand(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return
	}
	cmd := fields[0]
	// "/status@CityWatchBot" in group chats
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}

	h, ok := commands[cmd]
	if !ok {
		b.reply(ctx, chatID, "❓ Unknown command. Type `/help` for list.", nil)
		return
	}
	b.track(cmd)
	if err := h(b, ctx, chatID); err != nil {
		b.logger.Warn("command failed", zap.String("command", cmd), zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// HandleCallback answers an inline button press and runs its command.
func (b *Bot) HandleCallback(ctx context.Context, callbackID string, chatID int64, data string) {
	if err := b.api.AnswerCallback(ctx, callbackID, fmt.Sprintf("Processing %s...", data)); err != nil {
		b.logger.Warn("answer callback failed", zap.Error(err))
	}
	if !slices.Contains(callbacks, data) {
		return
	}
	cmd := "/" + data
	b.track(cmd)
	if err := commands[cmd](b, ctx, chatID); err != nil {
		b.logger.Warn("callback failed", zap.String("data", data), zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string, markup *InlineKeyboard) {
	if err := b.api.SendMessage(ctx, chatID, text, markup); err != nil {
		b.logger.Warn("send message failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func mainKeyboard() *InlineKeyboard {
	return &InlineKeyboard{InlineKeyboard: [][]InlineButton{
		{{Text: "📸 Snap", CallbackData: "snap"}, {Text: "📊 Status", CallbackData: "status"}},
		{{Text: "🎬 Clip", CallbackData: "clip"}, {Text: "📍 Location", CallbackData: "location"}},
		{{Text: "🗺️ Zones", CallbackData: "zones"}, {Text: "📜 History", CallbackData: "history"}},
		{{Text: "🔕 Mute", CallbackData: "mute"}, {Text: "🔔 Unmute", CallbackData: "unmute"}},
		{{Text: "ℹ️ About", CallbackData: "about"}},
	}}
}

const rule = "━━━━━━━━━━━━━━━━━━━━\n"
