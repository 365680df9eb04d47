package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sismobot/internal/delivery"
	"sismobot/internal/model"
	"sismobot/internal/store"
)

func (r *Router) registerAll() {
	r.register(&Command{
		Name:        "start",
		Description: "suscribirse a las alertas sísmicas",
		Handle:      r.handleSubscribe,
	})
	r.register(&Command{
		Name:        "subscribe",
		Description: "suscribirse a las alertas sísmicas",
		Handle:      r.handleSubscribe,
	})
	r.register(&Command{
		Name:        "unsubscribe",
		Description: "darse de baja",
		Handle:      r.handleUnsubscribe,
	})
	r.register(&Command{
		Name:        "severity",
		Description: "filtrar alertas por severidad",
		Usage:       "/severity <todas|menor|moderada|mayor>",
		Handle:      r.handleSeverity,
	})
	r.register(&Command{
		Name:        "mute",
		Description: "pausar notificaciones sin perder la suscripción",
		Handle:      r.handleMute(true),
	})
	r.register(&Command{
		Name:        "unmute",
		Description: "reanudar notificaciones",
		Handle:      r.handleMute(false),
	})
	r.register(&Command{
		Name:        "status",
		Description: "ver el estado de tu suscripción",
		Handle:      r.handleStatus,
	})
	r.register(&Command{
		Name:        "help",
		Description: "mostrar esta ayuda",
		Handle:      r.handleHelp,
	})

	r.register(&Command{
		Name:        "check",
		Description: "forzar una revisión del feed",
		Access:      AccessAdminOnly,
		Handle:      r.handleCheck,
	})
	r.register(&Command{
		Name:        "maintenance",
		Description: "activar o desactivar el modo mantenimiento",
		Usage:       "/maintenance <on|off>",
		Access:      AccessAdminOnly,
		Handle:      r.handleMaintenance,
	})
	r.register(&Command{
		Name:        "recover",
		Description: "iniciar un ciclo de recuperación manual",
		Access:      AccessAdminOnly,
		Handle:      r.handleRecover,
	})
	r.register(&Command{
		Name:        "broadcast",
		Description: "enviar un mensaje a todos los suscriptores",
		Usage:       "/broadcast <mensaje>",
		Access:      AccessAdminOnly,
		Handle:      r.handleBroadcast,
	})
	r.register(&Command{
		Name:        "health",
		Description: "estado interno del servicio",
		Access:      AccessAdminOnly,
		Handle:      r.handleHealth,
	})
	r.register(&Command{
		Name:        "backup",
		Description: "crear un respaldo de suscriptores",
		Access:      AccessAdminOnly,
		Handle:      r.handleBackup,
	})
	r.register(&Command{
		Name:        "backups",
		Description: "listar respaldos disponibles",
		Access:      AccessAdminOnly,
		Handle:      r.handleBackups,
	})
	r.register(&Command{
		Name:        "restore",
		Description: "restaurar un respaldo",
		Usage:       "/restore <nombre>",
		Access:      AccessAdminOnly,
		Handle:      r.handleRestore,
	})
	r.register(&Command{
		Name:        "purge",
		Description: "eliminar definitivamente los registros dados de baja",
		Access:      AccessAdminOnly,
		Handle:      r.handlePurge,
	})
}

func (r *Router) handleSubscribe(ctx context.Context, req *Request) error {
	rec, err := r.deps.Subs.Subscribe(subscriberID(req))
	if err != nil {
		return err
	}
	r.reply(ctx, req, fmt.Sprintf(
		"¡Listo! Recibirás alertas sísmicas (%s). Usa /severity para ajustar el filtro y /unsubscribe para darte de baja.",
		severityName(rec.Severity)))
	return nil
}

func (r *Router) handleUnsubscribe(ctx context.Context, req *Request) error {
	if err := r.deps.Subs.Unsubscribe(subscriberID(req)); err != nil {
		return err
	}
	r.reply(ctx, req, "Suscripción cancelada. Puedes volver cuando quieras con /subscribe.")
	return nil
}

func (r *Router) handleSeverity(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		rec := r.deps.Subs.Get(subscriberID(req))
		r.reply(ctx, req, fmt.Sprintf(
			"Filtro actual: %s. Usa /severity <todas|menor|moderada|mayor> para cambiarlo.",
			severityName(rec.Severity)))
		return nil
	}
	sev, err := model.ParseSeverity(req.Args[0])
	if err != nil {
		r.reply(ctx, req, "Severidad no reconocida. Opciones: todas, menor, moderada, mayor.")
		return nil
	}
	if _, err := r.deps.Subs.Upsert(subscriberID(req), func(rec *store.Record) {
		rec.Subscribed = true
		rec.Severity = sev
	}); err != nil {
		return err
	}
	r.reply(ctx, req, fmt.Sprintf("Filtro actualizado: recibirás alertas de severidad %s.", severityName(sev)))
	return nil
}

func (r *Router) handleMute(mute bool) func(ctx context.Context, req *Request) error {
	return func(ctx context.Context, req *Request) error {
		id := subscriberID(req)
		if !r.deps.Subs.Get(id).Subscribed {
			r.reply(ctx, req, "No estás suscrito. Usa /subscribe primero.")
			return nil
		}
		if _, err := r.deps.Subs.Upsert(id, func(rec *store.Record) {
			rec.Muted = mute
		}); err != nil {
			return err
		}
		if mute {
			r.reply(ctx, req, "Notificaciones pausadas. Usa /unmute para reanudarlas.")
		} else {
			r.reply(ctx, req, "Notificaciones reanudadas.")
		}
		return nil
	}
}

func (r *Router) handleStatus(ctx context.Context, req *Request) error {
	rec := r.deps.Subs.Get(subscriberID(req))
	if !rec.Subscribed {
		r.reply(ctx, req, "No estás suscrito. Usa /subscribe para recibir alertas.")
		return nil
	}
	state := "activas"
	if rec.Muted {
		state = "pausadas"
	}
	r.reply(ctx, req, fmt.Sprintf("Suscripción activa. Notificaciones %s, filtro: %s.",
		state, severityName(rec.Severity)))
	return nil
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	r.reply(ctx, req, r.helpText(r.auth.IsAuthorized(req.FromID)))
	return nil
}

func (r *Router) handleCheck(ctx context.Context, req *Request) error {
	r.deps.Pipeline.TriggerCheck()
	r.reply(ctx, req, "Revisión del feed solicitada.")
	return nil
}

func (r *Router) handleMaintenance(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		state := "desactivado"
		if r.deps.Pipeline.Maintenance() {
			state = "activado"
		}
		r.reply(ctx, req, fmt.Sprintf("Modo mantenimiento %s. Usa /maintenance <on|off>.", state))
		return nil
	}
	switch strings.ToLower(req.Args[0]) {
	case "on":
		r.deps.Pipeline.SetMaintenance(true)
		r.reply(ctx, req, "Modo mantenimiento activado; las revisiones quedan suspendidas.")
	case "off":
		r.deps.Pipeline.SetMaintenance(false)
		r.reply(ctx, req, "Modo mantenimiento desactivado.")
	default:
		r.reply(ctx, req, "Uso: /maintenance <on|off>")
	}
	return nil
}

func (r *Router) handleRecover(ctx context.Context, req *Request) error {
	r.deps.Recovery.Trigger(ctx, "manual trigger by admin")
	r.reply(ctx, req, "Ciclo de recuperación iniciado.")
	return nil
}

func (r *Router) handleBroadcast(ctx context.Context, req *Request) error {
	text := strings.TrimSpace(strings.Join(req.Args, " "))
	if text == "" {
		r.reply(ctx, req, "Uso: /broadcast <mensaje>")
		return nil
	}
	// A manual broadcast reaches every unmuted subscriber regardless of
	// their severity filter.
	alert := &model.Alert{
		ID:         fmt.Sprintf("admin-%d", time.Now().Unix()),
		Headline:   "Aviso",
		Severity:   model.SeverityMajor,
		ObservedAt: time.Now(),
	}
	res := r.deps.Bcast.Broadcast(ctx, alert, delivery.Message{Text: text})
	r.reply(ctx, req, fmt.Sprintf("Mensaje enviado a %d suscriptores (%d fallidos).", res.Sent, res.Failed))
	return nil
}

func (r *Router) handleHealth(ctx context.Context, req *Request) error {
	total, active := r.deps.Subs.Count()
	failTotal, byKind, _ := r.deps.Stats.Snapshot()

	var b strings.Builder
	if !r.deps.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Activo desde hace %s\n", time.Since(r.deps.StartedAt).Truncate(time.Second))
	}
	fmt.Fprintf(&b, "Suscriptores: %d (%d activos)\n", total, active)
	fmt.Fprintf(&b, "Última alerta: %s\n", orDash(r.deps.Subs.LastAlertID()))
	fmt.Fprintf(&b, "Mantenimiento: %v\n", r.deps.Pipeline.Maintenance())
	fmt.Fprintf(&b, "Fallas consecutivas: %d\n", r.deps.Recovery.Failures())
	fmt.Fprintf(&b, "Ciclos de recuperación: %d\n", r.deps.Recovery.Cycles())
	fmt.Fprintf(&b, "Fallas de envío: %d", failTotal)
	for kind, count := range byKind {
		fmt.Fprintf(&b, "\n  %s: %d", kind, count)
	}
	if r.deps.Audit != nil {
		since := time.Now().Add(-24 * time.Hour).Unix()
		if ok, failed, err := r.deps.Audit.CountSince(ctx, since); err == nil {
			fmt.Fprintf(&b, "\nEnvíos últimas 24h: %d ok, %d fallidos", ok, failed)
		}
	}
	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) handleBackup(ctx context.Context, req *Request) error {
	path, err := r.deps.Backups.BackupNow()
	if err != nil {
		return err
	}
	r.reply(ctx, req, "Respaldo creado: "+path)
	return nil
}

func (r *Router) handleBackups(ctx context.Context, req *Request) error {
	names, err := r.deps.Backups.ListBackups()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		r.reply(ctx, req, "No hay respaldos disponibles.")
		return nil
	}
	r.reply(ctx, req, "Respaldos:\n"+strings.Join(names, "\n"))
	return nil
}

func (r *Router) handleRestore(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		r.reply(ctx, req, "Uso: /restore <nombre>")
		return nil
	}
	if err := r.deps.Backups.Restore(req.Args[0]); err != nil {
		return err
	}
	r.reply(ctx, req, "Respaldo restaurado: "+req.Args[0])
	return nil
}

// handlePurge is the only path that deletes subscriber records; unsubscribing
// just flips the flag so preferences survive a comeback.
func (r *Router) handlePurge(ctx context.Context, req *Request) error {
	n, err := r.deps.Subs.PurgeInactive()
	if err != nil {
		return err
	}
	if n == 0 {
		r.reply(ctx, req, "No hay registros inactivos que eliminar.")
		return nil
	}
	r.reply(ctx, req, fmt.Sprintf("Se eliminaron %d registros inactivos.", n))
	return nil
}

func severityName(s model.Severity) string {
	switch s {
	case model.SeverityMinor:
		return "menor o superior"
	case model.SeverityModerate:
		return "moderada o superior"
	case model.SeverityMajor:
		return "solo mayor"
	default:
		return "todas"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
