package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/overlay"
)

func onOff(b bool, on, off string) string {
	if b {
		return on
	}
	return off
}

func (b *Bot) cmdStart(ctx context.Context, chatID int64) error {
	b.recipients.Subscribe(chatID, b.now())
	msg := "🛡️ *CITYWATCH SENTINEL*\n" + rule +
		"You are now connected to the threat grid.\n\n" +
		"🔹 Real-time surveillance\n" +
		"🔹 Instant threat alerts\n" +
		"🔹 Multi-zone monitoring\n\n" +
		"Use the buttons below or type commands:\n" +
		"`/help` for full command list"
	return b.api.SendMessage(ctx, chatID, msg, mainKeyboard())
}

func (b *Bot) cmdStatus(ctx context.Context, chatID int64) error {
	if !b.source.Started() {
		return b.api.SendMessage(ctx, chatID, "⚠️ System Initializing...", nil)
	}
	s := b.source.Statistics()
	msg := "📊 *SYSTEM STATUS REPORT*\n" + rule +
		fmt.Sprintf("⚡ *Uptime:* `%ds`\n", s.UptimeSeconds) +
		fmt.Sprintf("🖼️ *Frames:* `%d`\n", s.FramesProcessed) +
		fmt.Sprintf("🎯 *Threats Today:* `%d`\n", s.ThreatsToday) +
		fmt.Sprintf("🧠 *Active Zones:* `%d`\n", s.ZonesMonitored) +
		fmt.Sprintf("📡 *Grid Mode:* `%s`\n", onOff(b.source.GridMode(), "ON", "OFF")) +
		fmt.Sprintf("👥 *Connected Users:* `%d`\n", b.recipients.Len()) +
		fmt.Sprintf("🔔 *Your Alerts:* `%s`\n", onOff(b.recipients.Muted(chatID), "Muted", "Active")) +
		rule + "✅ *All Systems Nominal*"
	return b.api.SendMessage(ctx, chatID, msg, nil)
}

func (b *Bot) cmdSnap(ctx context.Context, chatID int64) error {
	pub, ok := b.source.LatestFrame()
	if !ok || len(pub.JPEG) == 0 {
		return b.api.SendMessage(ctx, chatID, "⚠️ Camera Offline", nil)
	}
	return b.api.SendPhoto(ctx, chatID, pub.JPEG, "📸 *Live Feed Snapshot*")
}

func (b *Bot) cmdClip(ctx context.Context, chatID int64) error {
	if err := b.api.SendMessage(ctx, chatID, "🎬 Generating 3-second clip...", nil); err != nil {
		return err
	}
	gif, err := overlay.Clip(b.source.RecentFrames(0))
	if errors.Is(err, overlay.ErrNotEnoughFrames) {
		return b.api.SendMessage(ctx, chatID, "⚠️ Not enough frames buffered", nil)
	}
	if err != nil {
		return b.api.SendMessage(ctx, chatID, fmt.Sprintf("⚠️ Clip failed: %v", err), nil)
	}
	return b.api.SendAnimation(ctx, chatID, gif, "🎬 *Live Clip (3s)*")
}

func (b *Bot) cmdZones(ctx context.Context, chatID int64) error {
	var sb strings.Builder
	sb.WriteString("🗺️ *MONITORED ZONES*\n" + rule)
	for _, z := range b.cfg.Zones {
		fmt.Fprintf(&sb, "\n*%s*\n   Status: %s\n   📍 `%.4f, %.4f`\n", z.Name, z.Status, z.Lat, z.Lon)
	}
	return b.api.SendMessage(ctx, chatID, sb.String(), nil)
}

func (b *Bot) cmdHistory(ctx context.Context, chatID int64) error {
	events := b.source.ThreatEvents()
	if len(events) == 0 {
		return b.api.SendMessage(ctx, chatID, "📜 No threat events recorded yet.", nil)
	}
	var sb strings.Builder
	sb.WriteString("📜 *THREAT HISTORY*\n" + rule)
	for _, e := range events[:min(5, len(events))] {
		fmt.Fprintf(&sb, "\n🔴 *%s*\n   Time: `%s`\n   Zone: %s\n", e.Type, e.Time.Format("15:04:05"), e.Zone)
	}
	return b.api.SendMessage(ctx, chatID, sb.String(), nil)
}

func (b *Bot) cmdLocation(ctx context.Context, chatID int64) error {
	loc := b.cfg.Location
	if err := b.api.SendMessage(ctx, chatID, "📍 *Last Known Threat Location:*", nil); err != nil {
		return err
	}
	if err := b.api.SendLocation(ctx, chatID, loc.Lat, loc.Lon); err != nil {
		return err
	}
	return b.api.SendMessage(ctx, chatID, "_"+loc.Sector+"_", nil)
}

func (b *Bot) cmdMute(ctx context.Context, chatID int64) error {
	b.recipients.SetMuted(chatID, true)
	return b.api.SendMessage(ctx, chatID, "🔕 *Alerts Muted*\nYou will not receive threat notifications.\nUse `/unmute` to re-enable.", nil)
}

func (b *Bot) cmdUnmute(ctx context.Context, chatID int64) error {
	b.recipients.SetMuted(chatID, false)
	return b.api.SendMessage(ctx, chatID, "🔔 *Alerts Enabled*\nYou will receive threat notifications.", nil)
}

func (b *Bot) cmdGrid(ctx context.Context, chatID int64) error {
	on := b.source.ToggleGridMode()
	return b.api.SendMessage(ctx, chatID, fmt.Sprintf("📺 *Grid View:* `%s`", onOff(on, "ON (2x2)", "OFF (Single)")), nil)
}

func (b *Bot) cmdAlert(ctx context.Context, chatID int64) error {
	if err := b.api.SendMessage(ctx, chatID, "🧪 *Triggering Test Alert...*", nil); err != nil {
		return err
	}
	if !b.source.TriggerTestAlert() {
		return b.api.SendMessage(ctx, chatID, "⚠️ Alert queue busy, try again.", nil)
	}
	return nil
}

func (b *Bot) cmdAbout(ctx context.Context, chatID int64) error {
	msg := "ℹ️ *ABOUT CITYWATCH*\n" + rule +
		"*Engine:* external detector + temporal heuristics\n" +
		"*Backend:* Go sentinel server\n" + rule +
		fmt.Sprintf("*Commands Processed:* `%d`\n", b.totalCommands()) +
		fmt.Sprintf("*Connected Users:* `%d`\n", b.recipients.Len())
	return b.api.SendMessage(ctx, chatID, msg, nil)
}

func (b *Bot) cmdHelp(ctx context.Context, chatID int64) error {
	msg := "📖 *COMMAND REFERENCE*\n" + rule +
		"`/start` - Connect & Menu\n" +
		"`/status` - System Health\n" +
		"`/snap` - Live Photo\n" +
		"`/clip` - Video GIF\n" +
		"`/zones` - All Sectors\n" +
		"`/history` - Threat Log\n" +
		"`/location` - GPS Pin\n" +
		"`/mute` - Disable Alerts\n" +
		"`/unmute` - Enable Alerts\n" +
		"`/grid` - Toggle Grid View\n" +
		"`/alert` - Test Alert\n" +
		"`/about` - System Info\n" +
		"`/help` - This Menu"
	return b.api.SendMessage(ctx, chatID, msg, mainKeyboard())
}
