// Package runtime wires the adapters together: it owns startup
// reconciliation between the persisted session list and the tmux world,
// consumes the session manager's event stream, and fans readiness, trigger
// and output effects out to clients.
package runtime

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cryptorand "crypto/rand"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tidemux/tidemux/internal/config"
	"github.com/tidemux/tidemux/internal/hub"
	"github.com/tidemux/tidemux/internal/proto"
	"github.com/tidemux/tidemux/internal/ready"
	"github.com/tidemux/tidemux/internal/session"
	"github.com/tidemux/tidemux/internal/store"
	"github.com/tidemux/tidemux/internal/tmux"
	"github.com/tidemux/tidemux/internal/trigger"
)

const (
	// baseSession keeps the private tmux server alive between attachments.
	baseSession = "tidemux-base"
	// reattachDelay is how long after an attachment exit the tmux session
	// is re-checked before spawning a fresh attachment.
	reattachDelay = 250 * time.Millisecond
)

var (
	ErrNotFound       = errors.New("runtime: session not found")
	ErrServerMismatch = errors.New("runtime: session exists on a different server")
)

// Notifier is the optional push side-channel for session exits.
type Notifier interface {
	SessionExit(id, name string, code int)
}

// Runtime is the orchestrator.
type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	tmux     *tmux.Adapter
	store    *store.Store
	sessions *session.Manager
	hub      *hub.Hub
	ready    *ready.Engine
	triggers *trigger.Engine
	loader   *trigger.Loader
	notify   Notifier
	cron     *cron.Cron

	// reconcileMu makes reconciliation single-flight; a run requested
	// while one is active is simply skipped, the 2 s poll catches up.
	reconcileMu sync.Mutex

	historyMu sync.Mutex
	history   map[string]store.InputHistory

	agentMu  sync.Mutex
	agentIDs map[string]string
}

// New builds the runtime and cross-wires the engines. The trigger loader is
// created here so its actions can write back into sessions.
func New(cfg config.Config, st *store.Store, notifier Notifier, pushTarget trigger.Notifier, logger *slog.Logger) *Runtime {
	rt := &Runtime{
		cfg:      cfg,
		logger:   logger,
		tmux:     tmux.New(logger),
		store:    st,
		sessions: session.NewManager(logger),
		hub:      hub.New(logger),
		notify:   notifier,
		cron:     cron.New(),
		history:  make(map[string]store.InputHistory),
		agentIDs: make(map[string]string),
	}

	rt.ready = ready.NewEngine(ready.Config{
		WorkingGrace: cfg.WorkingGrace,
		TraceSize:    cfg.ReadyTraceSize,
		TraceLog:     cfg.ReadyTraceLog,
	}, rt.sessions, rt.tmux, logger, rt.emitReady)
	rt.ready.SetOnCommand(rt.recordCommand)

	rt.triggers = trigger.NewEngine(logger, rt.hub.Broadcast, func(id string, data []byte) {
		rt.WriteInput(id, data)
	})
	rt.loader = trigger.NewLoader(cfg.TriggersPath, rt.triggers, pushTarget, rt.hub.Broadcast, logger)
	if cfg.SlackWebhookURL != "" {
		rt.loader.SetDefaultSlackWebhook(cfg.SlackWebhookURL)
	}

	return rt
}

// Accessors used by the HTTP layer.

func (rt *Runtime) Hub() *hub.Hub { return rt.hub }

func (rt *Runtime) Tmux() *tmux.Adapter { return rt.tmux }

func (rt *Runtime) Store() *store.Store { return rt.store }

func (rt *Runtime) Ready() *ready.Engine { return rt.ready }

func (rt *Runtime) Loader() *trigger.Loader { return rt.loader }

func (rt *Runtime) Sessions() *session.Manager { return rt.sessions }

// Start runs the startup sequence and begins consuming session events.
func (rt *Runtime) Start(ctx context.Context) error {
	_ = rt.loader.Load() // failure keeps defaults/previous; already broadcast
	if err := rt.loader.Watch(ctx); err != nil {
		rt.logger.Warn("trigger watch unavailable", "err", err)
	}

	if rt.cfg.Backend == config.BackendTmux {
		if err := rt.tmux.EnsureSession(tmux.ServerPrivate, baseSession, rt.cfg.Shell); err != nil {
			rt.logger.Warn("base session unavailable", "err", err)
		}
		if n := rt.tmux.PruneDetachedViews(); n > 0 {
			rt.logger.Info("pruned stale view sessions", "count", n)
		}
	}

	if hist, err := rt.store.LoadAllInputHistory(); err == nil {
		rt.historyMu.Lock()
		rt.history = hist
		rt.historyMu.Unlock()
	}

	rt.Reconcile()

	go rt.eventLoop(ctx)

	if _, err := rt.cron.AddFunc("@every 2s", rt.pollTick); err != nil {
		return fmt.Errorf("schedule poller: %w", err)
	}
	if _, err := rt.cron.AddFunc("@every 5m", func() { rt.tmux.PruneDetachedViews() }); err != nil {
		return fmt.Errorf("schedule view prune: %w", err)
	}
	rt.cron.Start()

	go func() {
		<-ctx.Done()
		rt.cron.Stop()
	}()
	return nil
}

func (rt *Runtime) pollTick() {
	rt.ready.PollAll()
	rt.Reconcile()
}

// eventLoop is the single consumer of the session manager's events. Per
// chunk the order is readiness, triggers, hub; the next chunk of the same
// session is not handled before all three saw this one.
func (rt *Runtime) eventLoop(ctx context.Context) {
	events := rt.sessions.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case session.EventOutput:
				rt.handleOutput(ev.ID, ev.Data)
			case session.EventExit:
				rt.handleExit(ev.ID, ev.Code, ev.Signal)
			}
		}
	}
}

func (rt *Runtime) handleOutput(id string, data []byte) {
	if sum, ok := rt.sessions.Summary(id); ok && sum.TmuxName != "" {
		// Alternate-screen switches would defeat the client's scrollback.
		data = ready.StripAltScreen(data)
	}
	rt.ready.HandleOutput(id, data)
	rt.triggers.HandleOutput(id, data)
	rt.hub.QueuePtyOutput(id, data)
}

func (rt *Runtime) handleExit(id string, code int, signal string) {
	sum, ok := rt.sessions.Summary(id)
	if !ok {
		return
	}
	rt.persist(sum)
	_ = rt.store.InsertEvent(id, time.Now(), "exit", map[string]any{"code": code, "signal": signal})

	rt.hub.Broadcast(proto.PtyExit{Type: "pty_exit", PtyID: id, Code: code, Signal: signal})
	rt.ready.HandleExit(id)

	if sum.TmuxName == "" {
		rt.finishSession(sum, code)
		return
	}

	// The attachment died but the tmux session may have survived (server
	// restart, client detach). Give tmux a moment, then re-attach under
	// the same identity so the browser keeps its session id.
	go func() {
		time.Sleep(reattachDelay)
		server := tmux.Server(sum.TmuxServer)
		if rt.tmux.HasSession(server, sum.TmuxName) {
			if err := rt.respawnAttachment(sum); err != nil {
				rt.logger.Error("re-attach failed", "id", id, "err", err)
				rt.finishSession(sum, code)
				return
			}
			rt.broadcastList()
			return
		}
		_ = rt.tmux.KillSession(server, "view_"+sum.TmuxName)
		rt.finishSession(sum, code)
	}()
}

// finishSession retires an exited session: forget engine state, drop the
// dead attachment, tell subscribers, and ping the phone.
func (rt *Runtime) finishSession(sum session.Summary, code int) {
	rt.triggers.Forget(sum.ID)
	rt.ready.Forget(sum.ID)
	rt.sessions.Remove(sum.ID)
	rt.agentMu.Lock()
	delete(rt.agentIDs, sum.ID)
	rt.agentMu.Unlock()
	if rt.notify != nil {
		rt.notify.SessionExit(sum.ID, sum.Name, code)
	}
	rt.broadcastList()
}

// respawnAttachment spawns a fresh attachment to a surviving tmux session,
// preserving the original id, name and creation time.
func (rt *Runtime) respawnAttachment(sum session.Summary) error {
	rt.sessions.Remove(sum.ID)
	argv := tmux.AttachArgs(tmux.Server(sum.TmuxServer), sum.TmuxName)
	fresh, err := rt.sessions.Spawn(session.Descriptor{
		ID:         sum.ID,
		Name:       sum.Name,
		TmuxName:   sum.TmuxName,
		TmuxServer: sum.TmuxServer,
		Command:    argv[0],
		Args:       argv[1:],
		Cwd:        sum.Cwd,
		CreatedAt:  sum.CreatedAt,
	})
	if err != nil {
		return err
	}
	trackAs := ""
	if proc, ok := rt.tmux.ActiveProcess(tmux.Server(sum.TmuxServer), sum.TmuxName); ok {
		trackAs = proc
	}
	rt.ready.Track(fresh.ID, trackAs)
	rt.persist(fresh)
	return nil
}

// emitReady forwards readiness transitions to clients.
func (rt *Runtime) emitReady(up ready.Update) {
	rt.hub.Broadcast(proto.PtyReady{
		Type:          "pty_ready",
		PtyID:         up.ID,
		State:         string(up.State),
		Indicator:     string(up.Indicator),
		Reason:        up.Reason,
		Source:        up.Source,
		Ts:            up.Ts,
		Cwd:           up.Cwd,
		ActiveProcess: up.ActiveProcess,
	})
	rt.noteAgent(up)
}

// noteAgent keeps the agent_sessions table current: the first time a
// session's foreground process classifies as an agent, it gets a stable
// record id, and every readiness transition refreshes last_seen and cwd.
func (rt *Runtime) noteAgent(up ready.Update) {
	if up.ActiveProcess == "" {
		return
	}
	mode, fam := ready.ClassifyProcess(up.ActiveProcess, tmux.IsShellName)
	if mode != ready.ModeAgent {
		return
	}

	rt.agentMu.Lock()
	recID, ok := rt.agentIDs[up.ID]
	if !ok {
		recID = uuid.New().String()
		rt.agentIDs[up.ID] = recID
	}
	rt.agentMu.Unlock()

	title := up.ActiveProcess
	if sum, ok := rt.sessions.Summary(up.ID); ok {
		title = sum.Name
	}
	now := time.Now()
	err := rt.store.UpsertAgentSession(store.AgentSession{
		Provider:          string(fam),
		ProviderSessionID: recID,
		Title:             title,
		Cwd:               up.Cwd,
		CreatedAt:         now,
		LastSeenAt:        now,
	})
	if err != nil {
		rt.logger.Debug("agent session upsert failed", "id", up.ID, "err", err)
	}
}

// AgentSessions lists recorded agent sessions, most recently seen first.
func (rt *Runtime) AgentSessions() ([]store.AgentSession, error) {
	return rt.store.ListAgentSessions()
}

// AssignTask marks taskID as the session's active task; an empty taskID
// clears the assignment.
func (rt *Runtime) AssignTask(sessionID, taskID string) error {
	if _, ok := rt.sessions.Summary(sessionID); !ok {
		return ErrNotFound
	}
	if taskID == "" {
		return rt.store.ClearTaskAssignment(sessionID)
	}
	return rt.store.SetTaskAssignment(sessionID, taskID)
}

// ActiveTask returns the session's active task id, if any.
func (rt *Runtime) ActiveTask(sessionID string) (string, bool, error) {
	return rt.store.ActiveTaskAssignment(sessionID)
}

// recordCommand persists submitted input lines, capped by the store.
func (rt *Runtime) recordCommand(id, line string) {
	rt.historyMu.Lock()
	h := rt.history[id]
	h.LastInput = line
	h.Entries = append(h.Entries, store.InputEntry{Text: line})
	rt.history[id] = h
	rt.historyMu.Unlock()
	if err := rt.store.SaveInputHistory(id, h); err != nil {
		rt.logger.Debug("input history save failed", "id", id, "err", err)
	}
}

// WriteInput routes client input: readiness sees the bytes before the pty
// so a submitted command flips busy before its echo arrives.
func (rt *Runtime) WriteInput(id string, data []byte) {
	rt.ready.HandleInput(id, data)
	rt.sessions.Write(id, data)
}

// Resize forwards a client resize.
func (rt *Runtime) Resize(id string, cols, rows int) error {
	return rt.sessions.Resize(id, cols, rows)
}

// Scroll drives tmux copy-mode scrolling for a tmux-backed session.
func (rt *Runtime) Scroll(id, direction string, lines int) error {
	sum, ok := rt.sessions.Summary(id)
	if !ok || sum.TmuxName == "" {
		return ErrNotFound
	}
	return rt.tmux.ScrollHistory(tmux.Server(sum.TmuxServer), sum.TmuxName, direction, lines)
}

// SnapshotPane returns the visible content of a tmux-backed session for
// subscription replay.
func (rt *Runtime) SnapshotPane(id string) (string, bool) {
	sum, ok := rt.sessions.Summary(id)
	if !ok || sum.TmuxName == "" {
		return "", false
	}
	return rt.tmux.CapturePane(tmux.Server(sum.TmuxServer), sum.TmuxName)
}

// List returns all sessions, readiness-decorated, newest first.
func (rt *Runtime) List() []session.Summary {
	return rt.ready.Decorate(rt.sessions.List())
}

// Summary returns one session, readiness-decorated.
func (rt *Runtime) Summary(id string) (session.Summary, bool) {
	sum, ok := rt.sessions.Summary(id)
	if !ok {
		return session.Summary{}, false
	}
	out := rt.ready.Decorate([]session.Summary{sum})
	return out[0], true
}

// SpawnCommand creates a raw pty session running an arbitrary command.
func (rt *Runtime) SpawnCommand(d session.Descriptor) (session.Summary, error) {
	sum, err := rt.sessions.Spawn(d)
	if err != nil {
		return session.Summary{}, err
	}
	rt.ready.Track(sum.ID, sum.Command)
	rt.persist(sum)
	_ = rt.store.InsertEvent(sum.ID, time.Now(), "spawn", map[string]string{"command": sum.Command})
	rt.broadcastList()
	return sum, nil
}

// SpawnShell creates a shell session on the configured backend. With the
// tmux backend the shell runs inside a private tmux session and the pty is
// just an attachment, so the shell survives this process.
func (rt *Runtime) SpawnShell(cwd string) (session.Summary, error) {
	if rt.cfg.Backend == config.BackendPty {
		return rt.SpawnCommand(session.Descriptor{
			Name:    "shell",
			Command: rt.cfg.Shell,
			Cwd:     cwd,
		})
	}

	name := "s-" + randomSuffix()
	if err := rt.tmux.NewSession(tmux.ServerPrivate, name, rt.cfg.Shell, cwd); err != nil {
		return session.Summary{}, err
	}
	sum, err := rt.attach(tmux.ServerPrivate, name, "shell", rt.cfg.Shell, cwd)
	if err != nil {
		_ = rt.tmux.KillSession(tmux.ServerPrivate, name)
		return session.Summary{}, err
	}
	return sum, nil
}

// AttachTmux attaches to an existing tmux session by name. wantServer
// restricts which server it may live on; empty accepts either.
func (rt *Runtime) AttachTmux(name, wantServer string) (session.Summary, error) {
	server, found := rt.tmux.Locate(name)
	if !found {
		return session.Summary{}, ErrNotFound
	}
	if wantServer != "" && string(server) != wantServer {
		return session.Summary{}, ErrServerMismatch
	}

	// Idempotent: a live attachment to this tmux session is returned as-is.
	for _, sum := range rt.sessions.List() {
		if sum.TmuxName == name && sum.Status == session.StatusRunning {
			return sum, nil
		}
	}

	rt.tmux.ApplyUIOptions(server, name)
	return rt.attach(server, name, name, "", "")
}

// attach spawns the attachment process for (server, name) and registers it.
func (rt *Runtime) attach(server tmux.Server, name, display, command, cwd string) (session.Summary, error) {
	argv := tmux.AttachArgs(server, name)
	sum, err := rt.sessions.Spawn(session.Descriptor{
		Name:       display,
		TmuxName:   name,
		TmuxServer: string(server),
		Command:    argv[0],
		Args:       argv[1:],
		Cwd:        cwd,
	})
	if err != nil {
		return session.Summary{}, err
	}
	trackAs := command
	if trackAs == "" {
		if proc, ok := rt.tmux.ActiveProcess(server, name); ok {
			trackAs = proc
		}
	}
	rt.ready.Track(sum.ID, trackAs)
	rt.persist(sum)
	_ = rt.store.InsertEvent(sum.ID, time.Now(), "attach", map[string]string{"tmux": name})
	rt.broadcastList()
	return sum, nil
}

// Kill terminates the session: the tmux session first (if any), then the
// attachment. Killing an already-dead session succeeds.
func (rt *Runtime) Kill(id string) error {
	sum, ok := rt.sessions.Summary(id)
	if !ok {
		// Persisted but no longer live: killing is a no-op success only
		// if we know the id at all.
		rows, err := rt.store.ListSessions(0)
		if err == nil {
			for _, r := range rows {
				if r.ID == id {
					return nil
				}
			}
		}
		return ErrNotFound
	}

	if sum.TmuxName != "" {
		server := tmux.Server(sum.TmuxServer)
		if err := rt.tmux.KillSession(server, sum.TmuxName); err != nil {
			rt.logger.Warn("tmux kill failed", "session", sum.TmuxName, "err", err)
		}
		_ = rt.tmux.KillSession(server, "view_"+sum.TmuxName)
	}
	if sum.Status == session.StatusRunning {
		if err := rt.sessions.Kill(id); err != nil {
			rt.logger.Debug("attachment kill failed", "id", id, "err", err)
		}
	}
	_ = rt.store.DeleteInputHistory(id)
	rt.historyMu.Lock()
	delete(rt.history, id)
	rt.historyMu.Unlock()
	rt.broadcastList()
	return nil
}

// ReloadTriggers reloads the rule file on demand.
func (rt *Runtime) ReloadTriggers() error {
	return rt.loader.Load()
}

func (rt *Runtime) broadcastList() {
	rt.hub.Broadcast(proto.PtyList{Type: "pty_list", Ptys: rt.List()})
}

func (rt *Runtime) persist(sum session.Summary) {
	row := store.SessionRow{
		ID:         sum.ID,
		Name:       sum.Name,
		TmuxName:   sum.TmuxName,
		TmuxServer: sum.TmuxServer,
		Command:    sum.Command,
		Args:       sum.Args,
		Cwd:        sum.Cwd,
		Status:     string(sum.Status),
		ExitCode:   sum.ExitCode,
		ExitSignal: sum.ExitSignal,
		CreatedAt:  sum.CreatedAt,
		LastSeenAt: sum.LastSeenAt,
	}
	if err := rt.store.UpsertSession(row); err != nil {
		rt.logger.Error("session persist failed", "id", sum.ID, "err", err)
	}
}

// Reconcile lines the live attachment set up with the persisted sessions
// and the tmux server's reality. Single-flight; concurrent calls return
// immediately.
func (rt *Runtime) Reconcile() {
	if !rt.reconcileMu.TryLock() {
		return
	}
	defer rt.reconcileMu.Unlock()

	changed := false

	// Index live attachments by tmux session, killing duplicates: two
	// attachments fighting over one tmux session corrupt its size.
	liveByTmux := make(map[string]session.Summary)
	for _, sum := range rt.sessions.List() {
		if sum.Status != session.StatusRunning || sum.TmuxName == "" {
			continue
		}
		if prior, dup := liveByTmux[sum.TmuxName]; dup {
			victim := sum
			if sum.CreatedAt.Before(prior.CreatedAt) {
				victim, liveByTmux[sum.TmuxName] = prior, sum
			}
			rt.logger.Warn("killing duplicate attachment", "id", victim.ID, "tmux", victim.TmuxName)
			_ = rt.sessions.Kill(victim.ID)
			changed = true
			continue
		}
		liveByTmux[sum.TmuxName] = sum

		// An attachment whose tmux session vanished will exit on its own,
		// but a hung one is killed here.
		if !rt.tmux.HasSession(tmux.Server(sum.TmuxServer), sum.TmuxName) {
			rt.logger.Info("tmux session vanished, killing attachment", "id", sum.ID, "tmux", sum.TmuxName)
			_ = rt.sessions.Kill(sum.ID)
			changed = true
		}
	}

	// Persisted running sessions without a live attachment: re-attach if
	// the tmux session survived, otherwise mark them exited.
	rows, err := rt.store.ListSessions(0)
	if err != nil {
		rt.logger.Error("reconcile list failed", "err", err)
		return
	}
	for _, row := range rows {
		if row.Status != string(session.StatusRunning) {
			continue
		}
		if _, live := rt.sessions.Summary(row.ID); live {
			continue
		}
		if row.TmuxName == "" {
			rt.markExited(row)
			changed = true
			continue
		}
		if _, dup := liveByTmux[row.TmuxName]; dup {
			rt.markExited(row)
			changed = true
			continue
		}
		server := tmux.Server(row.TmuxServer)
		if !rt.tmux.HasSession(server, row.TmuxName) {
			rt.markExited(row)
			changed = true
			continue
		}
		sum := session.Summary{
			ID:         row.ID,
			Name:       row.Name,
			TmuxName:   row.TmuxName,
			TmuxServer: row.TmuxServer,
			Command:    row.Command,
			Cwd:        row.Cwd,
			CreatedAt:  row.CreatedAt,
		}
		if err := rt.respawnAttachment(sum); err != nil {
			rt.logger.Error("reconcile re-attach failed", "id", row.ID, "err", err)
			continue
		}
		if fresh, ok := rt.sessions.Summary(row.ID); ok {
			liveByTmux[row.TmuxName] = fresh
		}
		changed = true
	}

	// Orphans: tmux sessions on the private server nobody is attached to
	// and nothing persisted knows about.
	if rt.cfg.Backend == config.BackendTmux {
		known := make(map[string]bool)
		for _, row := range rows {
			known[row.TmuxName] = true
		}
		for _, info := range rt.tmux.ListSessions() {
			if info.Server != tmux.ServerPrivate || info.Name == baseSession || tmux.IsViewName(info.Name) {
				continue
			}
			if known[info.Name] {
				continue
			}
			if _, live := liveByTmux[info.Name]; live {
				continue
			}
			rt.logger.Info("adopting orphan tmux session", "tmux", info.Name)
			if _, err := rt.attach(tmux.ServerPrivate, info.Name, info.Name, "", ""); err != nil {
				rt.logger.Warn("orphan attach failed", "tmux", info.Name, "err", err)
			}
			changed = true
		}
	}

	if changed {
		rt.broadcastList()
	}
}

func (rt *Runtime) markExited(row store.SessionRow) {
	row.Status = string(session.StatusExited)
	if err := rt.store.UpsertSession(row); err != nil {
		rt.logger.Error("mark exited failed", "id", row.ID, "err", err)
	}
}

func randomSuffix() string {
	buf := make([]byte, 4)
	if _, err := cryptorand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano()%1_000_000)
	}
	return hex.EncodeToString(buf)
}
