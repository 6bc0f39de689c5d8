package panel

import (
	"fmt"
	"strings"

	"github.com/you/zkleis-bot/internal/core"
)

const (
	reset     = "\033[0m"
	bold      = "\033[1m"
	dim       = "\033[30m"
	highlight = "\033[1m\033[43m\033[30m"
)

// Formatter renders events the way the bot's console panel shows them.
type Formatter struct {
	bot         string
	broadcaster string
	bots        map[string]struct{}
}

func NewFormatter(bot, broadcaster string, bots []string) *Formatter {
	set := make(map[string]struct{}, len(bots))
	for _, b := range bots {
		if b = core.NormalizeName(b); b != "" {
			set[b] = struct{}{}
		}
	}
	return &Formatter{
		bot:         core.NormalizeName(bot),
		broadcaster: core.NormalizeName(broadcaster),
		bots:        set,
	}
}

// Event renders ev. rec is the user's record after reconciliation, when
// the event carries a user.
func (f *Formatter) Event(ev core.Event, rec core.UserRecord) (Line, bool) {
	line := Line{Kind: string(ev.Kind), Source: string(ev.Source), User: ev.User, At: ev.At}
	switch ev.Kind {
	case core.EventChat:
		line.Text = f.chat(ev, rec)
	case core.EventJoin:
		line.Text = fmt.Sprintf("%s \033[32mse unió al canal%s", presenceLabel(rec), reset)
	case core.EventPart:
		line.Text = fmt.Sprintf("%s \033[31msalió del canal%s", presenceLabel(rec), reset)
	case core.EventFollow:
		line.Text = fmt.Sprintf("%s%s%s%s%s ha seguido al canal!%s", bold, dim, displayName(ev), reset, bold, reset)
	case core.EventRedemption:
		nick := ""
		if rec.Nickname != "" {
			nick = " [" + rec.Nickname + "]"
		}
		line.Text = fmt.Sprintf("%s%s%s%s%s%s ha canjeado %s%s%s%s%s | %s%s%d%s%s Puntos%s",
			rec.Color, bold, displayName(ev), reset, nick,
			bold, bold, dim, ev.Reward, reset,
			bold, bold, dim, ev.Cost, reset, bold, reset)
	case core.EventRaid:
		line.Text = fmt.Sprintf("%s%s%s%s%s ha hecho un raid con %d viewers%s", bold, dim, ev.FromUser, reset, bold, ev.Viewers, reset)
	case core.EventModeration:
		line.Text = moderation(ev)
	case core.EventClear:
		line.Text = highlight + " Chat limpiado completamente " + reset
	case core.EventChannelUpdate:
		line.Text = fmt.Sprintf("%s%s - %s%s", bold, ev.Title, ev.Category, reset)
	default:
		return Line{}, false
	}
	return line, true
}

func (f *Formatter) chat(ev core.Event, rec core.UserRecord) string {
	name := displayName(ev)
	switch {
	case ev.User == f.bot:
		return fmt.Sprintf("\033[95m%s%s (BOTME): %s", name, reset, ev.Text)
	case ev.User == f.broadcaster || ev.Roles.Broadcaster:
		return fmt.Sprintf("\033[92m%s%s (BROADCASTER): %s", name, reset, ev.Text)
	}
	if _, ok := f.bots[ev.User]; ok {
		return fmt.Sprintf("\033[93m%s%s (BOT): %s", name, reset, ev.Text)
	}
	var b strings.Builder
	b.WriteString(ev.Roles.Label())
	b.WriteString(rec.Color)
	b.WriteString(name)
	b.WriteString(reset)
	b.WriteString(" ")
	if rec.Nickname != "" {
		b.WriteString("[" + rec.Nickname + "] ")
	}
	if s := rec.Status.String(); s != "" {
		b.WriteString("(" + s + ")")
	}
	b.WriteString(": ")
	b.WriteString(ev.Text)
	return b.String()
}

func presenceLabel(rec core.UserRecord) string {
	nick := ""
	if rec.Nickname != "" {
		nick = "[" + rec.Nickname + "] "
	}
	return fmt.Sprintf("%s%s%s %s(%s)", rec.Color, rec.Name, reset, nick, rec.Status)
}

func moderation(ev core.Event) string {
	by := ""
	if ev.Moderator != "" {
		by = ev.Moderator + ": "
	}
	switch ev.Action {
	case "ban", "timeout":
		action := "ban permanente"
		if ev.Action == "timeout" && ev.Duration > 0 {
			action = fmt.Sprintf("timeout por %d segundos", ev.Duration)
		} else if ev.Action == "timeout" {
			action = "timeout"
		}
		if ev.Reason != "" {
			action += " - Razón: " + ev.Reason
		}
		return fmt.Sprintf("%s %sUsuario %s recibió %s %s", highlight, by, ev.Target, action, reset)
	case "delete":
		msg := ""
		if ev.Text != "" {
			msg = fmt.Sprintf(" - Mensaje: '%s'", ev.Text)
		}
		return fmt.Sprintf("%s %sMensaje de %s eliminado%s %s", highlight, by, ev.Target, msg, reset)
	case "raid":
		return fmt.Sprintf("%s%s%s%s%s ha hecho un raid con %d viewers%s", bold, dim, ev.Moderator, reset, bold, ev.Viewers, reset)
	default:
		target := ""
		if ev.Target != "" {
			target = " " + ev.Target
		}
		return fmt.Sprintf("%s %s%s%s %s", highlight, by, ev.Action, target, reset)
	}
}

func displayName(ev core.Event) string {
	if ev.DisplayName != "" {
		return ev.DisplayName
	}
	return ev.User
}

// System renders an operational notice (connection, viewer count, ...).
func System(text string) Line {
	return Line{Kind: "system", Text: text}
}
