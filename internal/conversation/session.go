// Package conversation runs the turn-limited group chat with the language
// model. The only action the model can take is changing the stream title.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/zkleis-bot/internal/metrics"
)

const (
	MinTurns     = 5
	DefaultTurns = 20

	// warnWindow is how many remaining turns trigger a warning.
	warnWindow = 3

	FuncChangeTitle = "change_title"
)

const (
	msgLimitReached = "Gemi ha alcanzado el límite de mensajes."
	msgProcessError = "Lo siento, ocurrió un error al procesar tu mensaje."
	msgEmptyReply   = "Lo siento, no pude procesar tu solicitud correctamente."
	msgNoAdmin      = "No puedo ejecutar comandos administrativos en este contexto."
	msgUnknownCall  = "No pude ejecutar el comando solicitado."
)

// Message is one history entry. UserName is set for user turns only.
type Message struct {
	Role     string  `json:"role"`
	UserName *string `json:"user_name"`
	Content  string  `json:"content"`
}

const (
	RoleUser  = "user"
	RoleModel = "model"
)

type FunctionCall struct {
	Name string
	Args map[string]any
}

// Reply is what the model produced for one turn: text parts and function
// calls in the order they appeared.
type Reply struct {
	Text  []string
	Calls []FunctionCall
}

// Model produces the next reply given the history so far. Implementations
// must not retain history.
type Model interface {
	Generate(ctx context.Context, history []Message) (Reply, error)
}

type TitleChanger interface {
	SetTitle(ctx context.Context, title string) error
}

// Result is the outcome of one turn.
type Result struct {
	Reply string
	// Warning is set when few turns remain.
	Warning string
	// Ended reports that this turn exhausted the session.
	Ended bool
}

type SessionOptions struct {
	MaxTurns   int
	Titles     TitleChanger
	HistoryDir string
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Session is one activation of the group chat.
type Session struct {
	ID      string
	Started time.Time

	model Model
	opts  SessionOptions

	mu           sync.Mutex
	participants map[string]struct{}
	history      []Message
	turns        int
	active       bool
}

func NewSession(model Model, opts SessionOptions) *Session {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultTurns
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		ID:           uuid.NewString(),
		Started:      opts.Now(),
		model:        model,
		opts:         opts,
		participants: make(map[string]struct{}),
		active:       true,
	}
}

// Send runs one turn for user. The session lock is held across the model
// call so turns are strictly ordered.
func (s *Session) Send(ctx context.Context, user, text string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return Result{Reply: msgLimitReached, Ended: true}
	}

	s.participants[user] = struct{}{}
	name := user
	s.history = append(s.history, Message{Role: RoleUser, UserName: &name, Content: user + ": " + text})

	reply := s.generate(ctx)
	s.history = append(s.history, Message{Role: RoleModel, Content: reply})
	s.turns++
	s.opts.Metrics.IncConversationTurns()

	res := Result{Reply: reply}
	limit := s.opts.MaxTurns
	if s.turns >= limit-warnWindow && s.turns < limit {
		res.Warning = fmt.Sprintf("Solo quedan %d mensajes para que Gemi se desactive.", limit-s.turns)
	}
	if s.turns >= limit {
		res.Ended = true
		s.terminateLocked(true)
	}
	return res
}

func (s *Session) generate(ctx context.Context) string {
	reply, err := s.model.Generate(ctx, append([]Message(nil), s.history...))
	if err != nil {
		slog.Warn("conversation: model call failed", "session", s.ID, "err", err)
		return msgProcessError
	}

	var out string
	called := false
	for _, call := range reply.Calls {
		called = true
		out = s.handleCall(ctx, call)
	}
	for _, part := range reply.Text {
		switch {
		case !called && out == "":
			out = part
		case called && strings.TrimSpace(part) != "":
			out += " | " + part
		}
	}
	if out == "" {
		return msgEmptyReply
	}
	return out
}

func (s *Session) handleCall(ctx context.Context, call FunctionCall) string {
	if s.opts.Titles == nil {
		return msgNoAdmin
	}
	title, _ := call.Args["title"].(string)
	if call.Name != FuncChangeTitle || strings.TrimSpace(title) == "" {
		return msgUnknownCall
	}
	if err := s.opts.Titles.SetTitle(ctx, title); err != nil {
		slog.Warn("conversation: change_title failed", "session", s.ID, "err", err)
		return msgUnknownCall
	}
	log.Printf("conversation: title changed by model: %q", title)
	return "He cambiado el título del stream a: " + title
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

func (s *Session) MaxTurns() int { return s.opts.MaxTurns }

// Participants returns the users that spoke, sorted.
func (s *Session) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.participants))
	for p := range s.participants {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Terminate ends the session and saves its history. Calling it on an ended
// session is a no-op.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.terminateLocked(false)
}

func (s *Session) terminateLocked(limit bool) {
	s.active = false
	if limit {
		log.Printf("conversation: session %s reached the limit of %d turns", s.ID, s.opts.MaxTurns)
	} else {
		log.Printf("conversation: session %s deactivated", s.ID)
	}
	path, err := s.saveLocked()
	switch {
	case err != nil:
		slog.Warn("conversation: history not saved", "session", s.ID, "err", err)
	case path != "":
		log.Printf("conversation: history saved to %s", path)
	}
}

type historyFile struct {
	Timestamp    string    `json:"timestamp"`
	SessionID    string    `json:"session_id"`
	Participants []string  `json:"participants"`
	MessageCount int       `json:"message_count"`
	Messages     []Message `json:"messages"`
}

var errNoDir = errors.New("no history directory")

// saveLocked writes chat_YYYYMMDD_HHMMSS.json. Sessions without turns are
// not saved.
func (s *Session) saveLocked() (string, error) {
	if s.turns == 0 {
		return "", nil
	}
	if s.opts.HistoryDir == "" {
		return "", errNoDir
	}
	if err := os.MkdirAll(s.opts.HistoryDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	now := s.opts.Now()
	participants := make([]string, 0, len(s.participants))
	for p := range s.participants {
		participants = append(participants, p)
	}
	sort.Strings(participants)

	path := filepath.Join(s.opts.HistoryDir, "chat_"+now.Format("20060102_150405")+".json")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(historyFile{
		Timestamp:    now.Format(time.RFC3339),
		SessionID:    s.ID,
		Participants: participants,
		MessageCount: s.turns,
		Messages:     s.history,
	}); err != nil {
		f.Close()
		return "", fmt.Errorf("encode: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close: %w", err)
	}
	return path, nil
}
