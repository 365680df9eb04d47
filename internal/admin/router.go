// Package admin routes incoming chat commands: subscription management for
// everyone, operational controls for the admin.
package admin

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"sismobot/internal/delivery"
	"sismobot/internal/model"
	"sismobot/internal/store"
	kit "sismobot/internal/transport"
	logx "sismobot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Handle      func(ctx context.Context, req *Request) error
}

// Request carries one parsed command invocation.
type Request struct {
	Chat   kit.ChatTarget
	FromID int64
	Args   []string
}

// Subscribers is the store surface the router mutates.
type Subscribers interface {
	Get(id string) store.Record
	Subscribe(id string) (store.Record, error)
	Unsubscribe(id string) error
	Upsert(id string, fn func(*store.Record)) (store.Record, error)
	PurgeInactive() (int, error)
	Count() (total, active int)
	LastAlertID() string
}

// Pipeline is the poller surface for admin controls.
type Pipeline interface {
	TriggerCheck()
	SetMaintenance(on bool)
	Maintenance() bool
}

// Recoverer triggers and reports on recovery cycles.
type Recoverer interface {
	Trigger(ctx context.Context, reason string)
	Failures() int
	Cycles() int
}

// Broadcaster sends an admin-authored message to subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, alert *model.Alert, msg delivery.Message) delivery.Result
}

// Backups exposes the housekeeping snapshot operations.
type Backups interface {
	BackupNow() (string, error)
	ListBackups() ([]string, error)
	Restore(name string) error
}

// AuditLog is the optional delivery audit surface.
type AuditLog interface {
	CountSince(ctx context.Context, t int64) (ok, failed int, err error)
}

type Deps struct {
	Adapter  kit.Adapter
	Subs     Subscribers
	Pipeline Pipeline
	Recovery Recoverer
	Bcast    Broadcaster
	Backups  Backups
	Stats    *delivery.Stats
	// Audit is nil when the audit store is disabled.
	Audit AuditLog
	// StartedAt feeds the uptime line in the health report.
	StartedAt time.Time
}

type Router struct {
	deps Deps
	auth Authorizer
	log  logx.Logger

	commands map[string]*Command
}

func NewRouter(deps Deps, auth Authorizer, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{deps: deps, auth: auth, log: log, commands: map[string]*Command{}}
	r.registerAll()
	return r
}

func (r *Router) register(c *Command) {
	r.commands[c.Name] = c
}

// Run consumes updates until ctx is canceled or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.dispatch(ctx, up)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	m := up.Message
	name, args := parseCommand(m.Text)
	if name == "" {
		return
	}
	cmd, ok := r.commands[name]
	if !ok {
		return
	}
	req := &Request{
		Chat:   kit.ChatTarget{ChatID: m.ChatID},
		FromID: m.FromID,
		Args:   args,
	}
	if cmd.Access == AccessAdminOnly && !r.auth.IsAuthorized(m.FromID) {
		r.log.Warn("unauthorized command", logx.String("command", name), logx.Int64("from", m.FromID))
		r.reply(ctx, req, "Este comando es solo para el administrador.")
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("command handler panicked",
				logx.String("command", name),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	if err := cmd.Handle(ctx, req); err != nil {
		r.log.Warn("command failed", logx.String("command", name), logx.Err(err))
		r.reply(ctx, req, "Ocurrió un error al procesar el comando.")
	}
}

// parseCommand extracts the command name (without slash or @botname
// suffix) and its arguments. Non-command text yields an empty name.
func parseCommand(text string) (string, []string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), fields[1:]
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	if _, err := r.deps.Adapter.SendText(ctx, req.Chat, text, kit.SendOptions{}); err != nil {
		r.log.Debug("reply failed", logx.Int64("chat", req.Chat.ChatID), logx.Err(err))
	}
}

func subscriberID(req *Request) string {
	return strconv.FormatInt(req.Chat.ChatID, 10)
}

// helpText renders the command list, admin commands included only for the
// admin.
func (r *Router) helpText(isAdmin bool) string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Comandos disponibles:\n")
	for _, name := range names {
		c := r.commands[name]
		if c.Access == AccessAdminOnly && !isAdmin {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&b, "%s - %s\n", usage, c.Description)
	}
	return b.String()
}
