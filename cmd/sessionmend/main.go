// Command sessionmend is the CLI driver for the conversation-archive
// repair core: analyze an archive, suggest parents for an orphan, apply
// or undo repairs, inspect history, and deduplicate tool-result blocks.
// Grounded on the teacher's cmd/goclaw/main.go (CLI struct, Cmd.Run(ctx
// *Context) kong pattern, main()'s flag-to-logger wiring, exit-code
// handling on command failure). Library: github.com/alecthomas/kong
// (teacher's own).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/sessionmend/sessionmend/internal/archive"
	"github.com/sessionmend/sessionmend/internal/coreconfig"
	"github.com/sessionmend/sessionmend/internal/coreerrors"
	"github.com/sessionmend/sessionmend/internal/corelog"
	"github.com/sessionmend/sessionmend/internal/dedup"
	"github.com/sessionmend/sessionmend/internal/maintenance"
	"github.com/sessionmend/sessionmend/internal/manager"
	"github.com/sessionmend/sessionmend/internal/message"
	"github.com/sessionmend/sessionmend/internal/persistence"
	"github.com/sessionmend/sessionmend/internal/persistence/eventstore"
	"github.com/sessionmend/sessionmend/internal/persistence/filestore"
	"github.com/sessionmend/sessionmend/internal/repair"
	"github.com/sessionmend/sessionmend/internal/watch"
)

// version is set by goreleaser via ldflags: -X main.version=...
var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Debug  bool   `help:"Enable debug logging" short:"d"`
	Trace  bool   `help:"Enable trace logging" short:"t"`
	Config string `help:"Core config file path" short:"c" type:"path"`

	Analyze AnalyzeCmd         `cmd:"" help:"Parse an archive, build the DAG, and report corruption"`
	Suggest SuggestCmd         `cmd:"" help:"Suggest ranked parent candidates for an orphaned message"`
	Apply   ApplyCmd           `cmd:"" help:"Apply a single repair operation"`
	Undo    UndoCmd            `cmd:"" help:"Undo the most recently applied repair"`
	History HistoryCmd         `cmd:"" help:"Show the undo history for a session"`
	Dedup   DedupCmd           `cmd:"" help:"Deduplicate tool-result blocks in an archive"`
	Export  ExportCmd          `cmd:"" help:"Export the current materialized state as JSON"`
	Serve   ServeCmd           `cmd:"" help:"Keep a session open, live-tailing the archive until interrupted"`
	Version VersionCmd         `cmd:"" help:"Show version"`
}

// Context is passed to every command's Run method.
type Context struct {
	Debug      bool
	Trace      bool
	ConfigPath string
	Core       *coreconfig.CoreConfig
}

// commonFlags are the archive/session/backend arguments every
// session-bound command needs; embedded by value into each *Cmd struct.
type commonFlags struct {
	SessionID   string `arg:"" help:"Session identifier"`
	Archive     string `arg:"" help:"Path to the session's archive file" type:"path"`
	Backend     string `help:"Persistence backend: archive-file or event-store" default:"archive-file" enum:"archive-file,event-store"`
	BackupRoot  string `help:"Archive-file backend: backup snapshot root" default:"./backups"`
	StateRoot   string `help:"Archive-file backend: undo-state root" default:"./state"`
	EventStoreDSN string `help:"Event-store backend: SQLite database path" default:"./sessionmend-events.db"`
}

func (c *commonFlags) openProvider(cfg *coreconfig.CoreConfig) (persistence.Provider, func(), error) {
	switch c.Backend {
	case "event-store":
		store, err := eventstore.Open(c.EventStoreDSN)
		if err != nil {
			return nil, nil, err
		}
		provider := eventstore.New(store, c.SessionID, c.Archive, &cfg.Corruption, &cfg.Replay)
		return provider, func() { store.Close() }, nil
	default:
		provider := filestore.New(c.SessionID, c.Archive, c.BackupRoot, c.StateRoot, &cfg.Corruption)
		return provider, func() {}, nil
	}
}

func (c *commonFlags) openManager(ctx *Context) (*manager.Manager, func(), error) {
	provider, closer, err := c.openProvider(ctx.Core)
	if err != nil {
		return nil, nil, err
	}
	m, err := manager.Open(c.SessionID, c.Archive, provider, ctx.Core, repair.DefaultSimilarity)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return m, closer, nil
}

// AnalyzeCmd reports the corruption profile of an archive without
// mutating anything.
type AnalyzeCmd struct {
	commonFlags
}

func (a *AnalyzeCmd) Run(ctx *Context) error {
	m, closer, err := a.openManager(ctx)
	if err != nil {
		return err
	}
	defer closer()

	handle := m.Handle()
	report := struct {
		SessionID       string  `json:"sessionId"`
		Messages        int     `json:"messages"`
		Threads         int     `json:"threads"`
		CorruptionScore float64 `json:"corruptionScore"`
		HasCycles       bool    `json:"hasCycles"`
		OrphanCount     int     `json:"orphanCount"`
	}{
		SessionID:       handle.SessionID,
		Messages:        len(handle.Session.Messages),
		Threads:         len(handle.Session.Threads),
		CorruptionScore: handle.Session.CorruptionScore,
		HasCycles:       handle.DAG.HasCycles(),
	}
	for _, msg := range handle.Session.Messages {
		if handle.DAG.IsOrphan(msg.ID) {
			report.OrphanCount++
		}
	}
	return printJSON(report)
}

// SuggestCmd ranks candidate parents for an orphaned message.
type SuggestCmd struct {
	commonFlags
	OrphanID string `arg:"" help:"Identifier of the orphaned message"`
}

func (s *SuggestCmd) Run(ctx *Context) error {
	m, closer, err := s.openManager(ctx)
	if err != nil {
		return err
	}
	defer closer()

	candidates, err := m.SuggestParents(s.OrphanID)
	if err != nil {
		return err
	}
	return printJSON(candidates)
}

// ApplyCmd applies one field-level repair to a target message.
type ApplyCmd struct {
	commonFlags
	TargetID string `arg:"" help:"Identifier of the message to repair"`
	Field    string `arg:"" help:"Field to repair: parent_identifier or role" enum:"parent_identifier,role"`
	NewValue string `arg:"" help:"New value for the field"`
	Operator string `help:"Identifier of the operator applying the repair" default:"cli"`
	Reason   string `help:"Free-text reason recorded with the repair"`
}

func (a *ApplyCmd) Run(ctx *Context) error {
	m, closer, err := a.openManager(ctx)
	if err != nil {
		return err
	}
	defer closer()

	op := persistence.RepairOperation{
		TargetMessageID: a.TargetID,
		Field:           persistence.FieldName(a.Field),
		NewValue:        a.NewValue,
		Reason:          a.Reason,
	}
	result, err := m.ApplyRepair(op, a.Operator, a.Reason)
	if err != nil {
		return err
	}
	return printJSON(result)
}

// UndoCmd reverses the most recently applied repair.
type UndoCmd struct {
	commonFlags
	Operator string `help:"Identifier of the operator requesting the undo" default:"cli"`
}

func (u *UndoCmd) Run(ctx *Context) error {
	m, closer, err := u.openManager(ctx)
	if err != nil {
		return err
	}
	defer closer()

	if err := m.UndoLast(u.Operator); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

// HistoryCmd lists applied repair operations, most recent first.
type HistoryCmd struct {
	commonFlags
}

func (h *HistoryCmd) Run(ctx *Context) error {
	m, closer, err := h.openManager(ctx)
	if err != nil {
		return err
	}
	defer closer()

	entries, err := m.History(h.SessionID)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

// ExportCmd replays a session's materialized state and writes it back
// out. With --as-of (event-store backend only) it exercises the
// Event-Store Provider's point-in-time Replay directly, without
// touching the snapshot cache or any stored event; otherwise it reads
// through the provider's canonical current-state path (spec.md §4.9).
// With --as-archive it renders the result as a valid JSONL archive file
// instead of a JSON dump.
type ExportCmd struct {
	commonFlags
	AsOf      string `help:"RFC3339 timestamp to replay to (event-store backend only); omit for the latest state"`
	AsArchive bool   `help:"Write the export as a JSONL archive file instead of a JSON snapshot" name:"as-archive"`
}

func (e *ExportCmd) Run(ctx *Context) error {
	var state *persistence.SessionSnapshot

	if e.AsOf != "" {
		if e.Backend != "event-store" {
			return coreerrors.Newf(coreerrors.KindValidationFailure, "--as-of replay requires --backend=event-store")
		}
		asOf, err := time.Parse(time.RFC3339, e.AsOf)
		if err != nil {
			return coreerrors.Wrap(err, coreerrors.KindValidationFailure, "failed to parse --as-of timestamp")
		}
		store, err := eventstore.Open(e.EventStoreDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		provider := eventstore.New(store, e.SessionID, e.Archive, &ctx.Core.Corruption, &ctx.Core.Replay)
		state, err = provider.Replay(e.SessionID, &asOf)
		if err != nil {
			return err
		}
	} else {
		m, closer, err := e.openManager(ctx)
		if err != nil {
			return err
		}
		defer closer()
		state, err = m.CurrentState()
		if err != nil {
			return err
		}
	}

	if !e.AsArchive {
		return printJSON(state)
	}
	return writeArchiveLines(os.Stdout, state)
}

// exportedRecord mirrors the archive field names internal/archive's
// parser recognizes (internal/archive/record.go), so exported output
// can be fed straight back into sessionmend analyze/suggest/apply.
type exportedRecord struct {
	UUID       string `json:"uuid"`
	ParentUUID string `json:"parentUuid,omitempty"`
	Role       string `json:"role"`
	Timestamp  string `json:"timestamp"`
	Content    string `json:"content"`
	SessionID  string `json:"sessionId,omitempty"`
	Sidechain  bool   `json:"sidechain,omitempty"`
}

func writeArchiveLines(w io.Writer, state *persistence.SessionSnapshot) error {
	for _, sm := range state.Messages {
		rec := exportedRecord{
			UUID:       sm.ID,
			ParentUUID: sm.ParentID,
			Role:       sm.Role,
			Timestamp:  sm.Timestamp.UTC().Format(time.RFC3339Nano),
			Content:    sm.Content,
			SessionID:  state.SessionID,
			Sidechain:  sm.Sidechain,
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to encode exported record")
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to write exported archive")
		}
	}
	return nil
}

// DedupCmd scans an archive for duplicate tool-result blocks and
// optionally rewrites the archive with duplicates removed.
type DedupCmd struct {
	Archive string `arg:"" help:"Path to the session's archive file" type:"path"`
	Write   bool   `help:"Rewrite the archive file with duplicates removed"`
}

func (d *DedupCmd) Run(ctx *Context) error {
	f, err := os.Open(d.Archive)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to open archive")
	}
	recs, diags, err := archive.LoadAllRecords(f)
	f.Close()
	if err != nil {
		return err
	}
	for _, diag := range diags {
		corelog.L_warn("sessionmend: skipping malformed record", "diagnostic", diag.String())
	}

	msgs := make([]*message.Message, len(recs))
	for i, r := range recs {
		msgs[i] = r.Message
	}

	dupes, metrics, err := dedup.Scan(msgs, ctx.Core.Dedup.MaxDuplicateBlocks)
	if err != nil {
		return err
	}

	if !d.Write {
		return printJSON(struct {
			Duplicates map[string]int `json:"duplicates"`
			Metrics    dedup.Metrics  `json:"metrics"`
		}{dupes, metrics})
	}

	deduped := dedup.Dedup(msgs, dupes)
	blocksRemoved := 0
	messagesChanged := 0
	newRecs := make([]*archive.ParsedRecord, len(recs))
	for i, r := range recs {
		if deduped[i] == msgs[i] {
			newRecs[i] = r
			continue
		}
		blocksRemoved += len(msgs[i].Content.Blocks) - len(deduped[i].Content.Blocks)
		messagesChanged++
		updated, err := r.WithField("content", contentToWire(deduped[i].Content))
		if err != nil {
			return err
		}
		newRecs[i] = updated
	}

	data, err := archive.EncodeLines(newRecs)
	if err != nil {
		return err
	}
	if err := writeArchiveAtomic(d.Archive, data); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "removed %d duplicate tool_result block(s) across %d message(s)\n", blocksRemoved, messagesChanged)
	return printJSON(struct {
		Duplicates    map[string]int `json:"duplicates"`
		Metrics       dedup.Metrics  `json:"metrics"`
		BlocksRemoved int            `json:"blocksRemoved"`
	}{dupes, metrics, blocksRemoved})
}

// wireBlock mirrors internal/archive/record.go's unexported blockJSON wire
// shape, so a rewritten content field still round-trips through the loader.
type wireBlock struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	ToolUseID  string `json:"id,omitempty"`
	ToolName   string `json:"name,omitempty"`
	ToolResult string `json:"tool_use_id,omitempty"`
}

// contentToWire renders a message.Content back into the JSON shape the
// archive loader's parseContent expects, for use with ParsedRecord.WithField.
func contentToWire(c message.Content) any {
	if !c.IsBlocks() {
		return c.Text()
	}
	blocks := make([]wireBlock, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		switch b.Kind {
		case message.BlockText:
			blocks = append(blocks, wireBlock{Type: string(b.Kind), Text: b.Text})
		case message.BlockToolUse:
			blocks = append(blocks, wireBlock{Type: string(b.Kind), ToolUseID: b.ToolUseID, ToolName: b.ToolName})
		case message.BlockToolResult:
			blocks = append(blocks, wireBlock{Type: string(b.Kind), ToolResult: b.ToolResultID})
		}
	}
	return blocks
}

// writeArchiveAtomic writes data to path via a sibling temp file, fsync,
// and rename, mirroring internal/persistence/filestore/atomic.go's
// writeFileAtomic so a reader never observes a partial rewrite.
func writeArchiveAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to create temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to fsync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to close temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to rename into place")
	}
	return nil
}

// ServeCmd opens a session and keeps it open, live-tailing the archive
// for externally appended records and running the maintenance
// scheduler's snapshot-cache and backup-retention sweeps, until
// interrupted. Grounded on the teacher's gateway run loop in
// cmd/goclaw/main.go (StartSessionWatcher + signal.Notify(SIGINT,
// SIGTERM) + cancel-then-shutdown), redirected from the gateway's
// channel/tool machinery to this repo's watch.Watcher + maintenance.
// Scheduler pair.
type ServeCmd struct {
	commonFlags
}

func (s *ServeCmd) Run(ctx *Context) error {
	m, closer, err := s.openManager(ctx)
	if err != nil {
		return err
	}
	defer closer()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := watch.New(s.Archive, func(msgs []*message.Message) {
		corelog.L_info("sessionmend: live-tail observed appended records", "count", len(msgs))
		if err := m.Refresh(); err != nil {
			corelog.L_warn("sessionmend: failed to refresh after live-tail append", "error", err)
		}
	})
	if err != nil {
		return err
	}
	if err := w.Start(runCtx); err != nil {
		return err
	}
	defer w.Stop()

	scheduler := maintenance.NewScheduler(ctx.Core)
	if s.Backend == "event-store" {
		if store, err := eventstore.Open(s.EventStoreDSN); err == nil {
			if err := scheduler.RegisterSnapshotCacheSweep(store); err != nil {
				corelog.L_warn("sessionmend: failed to register snapshot cache sweep", "error", err)
			}
			defer store.Close()
		}
	}
	if err := scheduler.RegisterBackupRetention(s.BackupRoot); err != nil {
		corelog.L_warn("sessionmend: failed to register backup retention sweep", "error", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	fmt.Fprintln(os.Stderr, "sessionmend: serving, press Ctrl-C to stop")
	sig := <-sigCh
	corelog.L_info("sessionmend: received signal, shutting down", "signal", sig)
	return nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (v *VersionCmd) Run(ctx *Context) error {
	fmt.Println(version)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to encode output")
	}
	return nil
}

func loadConfig(path string) (*coreconfig.CoreConfig, error) {
	if path == "" {
		return coreconfig.Default(), nil
	}
	return coreconfig.Load(path)
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("sessionmend"),
		kong.Description("Repair and analyze corrupted conversation archives"),
		kong.UsageOnError(),
	)

	level := corelog.LevelInfo
	if cli.Trace {
		level = corelog.LevelTrace
	} else if cli.Debug {
		level = corelog.LevelDebug
	}
	corelog.Init(&corelog.Config{
		Level:      level,
		Output:     os.Stderr,
		ShowCaller: cli.Debug || cli.Trace,
	})

	core, err := loadConfig(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sessionmend: %v\n", err)
		os.Exit(exitCodeFor(err))
	}

	err = kctx.Run(&Context{
		Debug:      cli.Debug,
		Trace:      cli.Trace,
		ConfigPath: cli.Config,
		Core:       core,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sessionmend: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if coreErr, ok := err.(*coreerrors.Error); ok {
		return coreErr.ExitCode()
	}
	return 1
}
