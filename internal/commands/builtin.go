package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/you/zkleis-bot/internal/conversation"
	"github.com/you/zkleis-bot/internal/core"
	"github.com/you/zkleis-bot/internal/twitchapi"
)

// maxChat keeps replies under Twitch's 500 character limit.
const maxChat = 450

// gameAliases maps the chat shorthands to Twitch category names.
var gameAliases = map[string]string{
	"dota 2":            "Dota 2",
	"dota":              "Dota 2",
	"league of legends": "League of Legends",
	"lol":               "League of Legends",
	"just chatting":     "Just Chatting",
	"charlando":         "Just Chatting",
	"teamfight tactics": "Teamfight Tactics",
	"tft":               "Teamfight Tactics",
}

var gameList = []string{"Dota 2 | Dota", "League of Legends | lol", "Just Chatting | Charlando", "Teamfight Tactics | TFT"}

// ResolveGame maps a chat alias to a category name. Unknown names are
// returned as typed with ok false.
func ResolveGame(name string) (string, bool) {
	key := strings.ToLower(strings.Join(strings.Fields(name), " "))
	if canonical, ok := gameAliases[key]; ok {
		return canonical, true
	}
	return strings.TrimSpace(name), false
}

func (r *Router) register() {
	r.add(&command{name: "help", aliases: []string{"commands"}, run: r.help})
	r.add(&command{name: "hi", aliases: []string{"hola", "holiwi", "hey"}, run: r.hi})
	r.add(&command{name: "title", aliases: []string{"titulo", "tit"}, run: r.title})
	r.add(&command{name: "settitle", aliases: []string{"set_title"}, perm: permModerator, run: r.setTitle})
	r.add(&command{name: "setgame", aliases: []string{"set_game", "game"}, perm: permModerator, run: r.setGame})
	r.add(&command{name: "games", aliases: []string{"getgame"}, perm: permModerator, run: r.games})
	r.add(&command{name: "marker", aliases: []string{"marca"}, perm: permModerator, run: r.marker})
	r.add(&command{name: "clip", aliases: []string{"corte"}, run: r.clip})
	r.add(&command{name: "say", aliases: []string{"repeat"}, perm: permModerator, run: r.say})
	r.add(&command{name: "nick", aliases: []string{"apodo"}, perm: permModerator, run: r.nick})
	r.add(&command{name: "online", aliases: []string{"presentes"}, run: r.online})
	r.add(&command{name: "status", aliases: []string{"estado"}, run: r.status})
	r.add(&command{name: "activate", aliases: []string{"activar", "on"}, perm: permBroadcaster, run: r.activate})
	r.add(&command{name: "deactivate", aliases: []string{"desactivar", "off"}, perm: permBroadcaster, run: r.deactivate})
	r.add(&command{name: "ia", aliases: []string{"ai", "resp"}, perm: permElevated, run: r.ia})
}

func (r *Router) p(name string) string { return r.opts.Prefix + name }

func (r *Router) help(_ context.Context, c call) []string {
	if strings.EqualFold(c.args, "mod") {
		return []string{fmt.Sprintf("Lista de comandos de moderadores: %s, %s, %s, %s, %s, %s, %s, %s",
			r.p("settitle"), r.p("setgame"), r.p("games"), r.p("marker"), r.p("nick"), r.p("on"), r.p("off"), r.p("resp"))}
	}
	return []string{fmt.Sprintf("Lista de comandos disponibles: %s, %s, %s, %s, %s",
		r.p("clip"), r.p("title"), r.p("online"), r.p("status"), r.p("hi"))}
}

func (r *Router) hi(_ context.Context, c call) []string {
	return []string{fmt.Sprintf("¡Hola @%s!", c.user())}
}

func (r *Router) title(ctx context.Context, _ call) []string {
	if r.opts.Channel == nil {
		return nil
	}
	info, err := r.opts.Channel.ChannelInfo(ctx)
	if err != nil {
		return errorText("title", err)
	}
	return []string{"El titulo del stream es: " + info.Title}
}

func (r *Router) setTitle(ctx context.Context, c call) []string {
	if c.args == "" {
		return []string{"Uso: " + r.p("settitle") + " <titulo>"}
	}
	if r.opts.Channel == nil {
		return nil
	}
	if err := r.opts.Channel.SetTitle(ctx, c.args); err != nil {
		return errorText("settitle", err)
	}
	return []string{"Titulo cambiado a: " + c.args}
}

func (r *Router) setGame(ctx context.Context, c call) []string {
	if c.args == "" {
		return []string{"Uso: " + r.p("setgame") + " <juego>"}
	}
	if r.opts.Channel == nil {
		return nil
	}
	name, _ := ResolveGame(c.args)
	set, err := r.opts.Channel.SetGame(ctx, name)
	if errors.Is(err, twitchapi.ErrNotFound) {
		return []string{fmt.Sprintf("Juego no encontrado: %s - Revisa la lista de juegos disponibles con %s.", c.args, r.p("games"))}
	}
	if err != nil {
		return errorText("setgame", err)
	}
	return []string{"Juego cambiado a: " + set}
}

func (r *Router) games(_ context.Context, _ call) []string {
	return []string{
		fmt.Sprintf("Lista de categorias disponibles para cambiar con %s: %s", r.p("setgame"), strings.Join(gameList, ", ")),
		"No importa si esta en mayusculas o minusculas, solo importa que sea el nombre correcto.",
	}
}

func (r *Router) marker(ctx context.Context, c call) []string {
	if r.opts.Channel == nil {
		return nil
	}
	if err := r.opts.Channel.CreateMarker(ctx, c.args); err != nil {
		return errorText("marker", err)
	}
	return []string{"Marcador creado."}
}

func (r *Router) clip(ctx context.Context, _ call) []string {
	if r.opts.Channel == nil {
		return nil
	}
	url, err := r.opts.Channel.CreateClip(ctx)
	if err != nil {
		return errorText("clip", err)
	}
	return []string{"¡Clip creado! Editar: " + url}
}

func (r *Router) say(_ context.Context, c call) []string {
	if c.args == "" {
		return nil
	}
	return []string{c.args}
}

func (r *Router) nick(_ context.Context, c call) []string {
	target, label, _ := strings.Cut(c.args, " ")
	target = strings.TrimPrefix(strings.TrimSpace(target), "@")
	if target == "" || r.opts.Users == nil {
		return []string{"Uso: " + r.p("nick") + " <usuario> [apodo]"}
	}
	rec, ok := r.opts.Users.SetNickname(target, label)
	if !ok {
		return []string{"No tengo registro de " + target + "."}
	}
	if rec.Nickname == "" {
		return []string{"Apodo de " + rec.Name + " eliminado."}
	}
	return []string{fmt.Sprintf("Apodo de %s: %s", rec.Name, rec.Nickname)}
}

func (r *Router) online(_ context.Context, _ call) []string {
	if r.opts.Users == nil {
		return nil
	}
	joined := r.opts.Users.Joined()
	if len(joined) == 0 {
		return []string{"No hay usuarios registrados en el canal."}
	}
	return []string{truncateChat(fmt.Sprintf("Usuarios en el canal (%d): %s", len(joined), strings.Join(joined, ", ")))}
}

func (r *Router) status(_ context.Context, c call) []string {
	if r.opts.Users == nil {
		return nil
	}
	target := strings.TrimPrefix(strings.TrimSpace(c.args), "@")
	if target == "" {
		target = c.ev.User
	}
	rec, ok := r.opts.Users.Get(target)
	if !ok {
		return []string{"No tengo registro de " + target + "."}
	}
	switch rec.Status.Kind {
	case core.StatusDate:
		return []string{fmt.Sprintf("%s sigue el canal desde %s.", rec.Name, rec.Status)}
	case core.StatusRenegado:
		return []string{rec.Name + " dejó de seguir el canal (Renegado)."}
	default:
		return []string{fmt.Sprintf("%s: %s", rec.Name, rec.Status)}
	}
}

func (r *Router) activate(ctx context.Context, c call) []string {
	if r.opts.Conversation == nil {
		return []string{"Gemi no esta configurada."}
	}
	limit := conversation.DefaultTurns
	if c.args != "" {
		n, err := strconv.Atoi(strings.Fields(c.args)[0])
		if err != nil {
			return []string{"Uso: " + r.p("on") + " [maximo]"}
		}
		limit = n
	}
	session, err := r.opts.Conversation.Activate(ctx, limit)
	switch {
	case errors.Is(err, conversation.ErrActive):
		return []string{fmt.Sprintf("Gemi ya esta activa. Desactivala primero con %s antes de iniciar una nueva instancia.", r.p("off"))}
	case errors.Is(err, conversation.ErrTooFewTurn):
		return []string{fmt.Sprintf("Error: El limite de mensajes debe ser al menos %d.", conversation.MinTurns)}
	case err != nil:
		return errorText("activate", err)
	}
	return []string{fmt.Sprintf("Gemi ON con limite de %d mensajes.", session.MaxTurns())}
}

func (r *Router) deactivate(_ context.Context, _ call) []string {
	if r.opts.Conversation != nil {
		r.opts.Conversation.Deactivate()
	}
	return []string{"Gemi OFF."}
}

func (r *Router) ia(ctx context.Context, c call) []string {
	if r.opts.Conversation == nil || c.args == "" {
		return []string{"Gemi no esta activada."}
	}
	res, err := r.opts.Conversation.Send(ctx, c.ev.User, c.args)
	if errors.Is(err, conversation.ErrInactive) {
		return []string{"Gemi no esta activada."}
	}
	if err != nil {
		return errorText("ia", err)
	}
	out := []string{res.Reply}
	if res.Warning != "" {
		out = append(out, res.Warning)
	}
	if res.Ended {
		out = append(out, "Gemi ha alcanzado el limite de mensajes y se ha desactivado.")
	}
	return out
}

func truncateChat(s string) string {
	r := []rune(s)
	if len(r) <= maxChat {
		return s
	}
	return string(r[:maxChat-3]) + "..."
}
