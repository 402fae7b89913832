// Package pipeline runs the Analyst and Developer stages over a session and
// commits their results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/repo-ranger/internal/agent"
	"github.com/ashureev/repo-ranger/internal/audit"
	"github.com/ashureev/repo-ranger/internal/domain"
	"github.com/ashureev/repo-ranger/internal/events"
	"github.com/ashureev/repo-ranger/internal/gateway"
	"github.com/ashureev/repo-ranger/internal/ingest"
	"github.com/ashureev/repo-ranger/internal/prompt"
	"github.com/ashureev/repo-ranger/internal/sandbox"
	"github.com/ashureev/repo-ranger/internal/store"
	"github.com/google/uuid"
)

// Intent selects the stage of a message.
type Intent string

const (
	// IntentAuto picks the stage from the pipeline state.
	IntentAuto Intent = "auto"
	// IntentAnalyze starts a new analysis cycle.
	IntentAnalyze Intent = "analyze"
	// IntentRefactor runs the Developer and requires an analysis.
	IntentRefactor Intent = "refactor"
)

// ParseIntent maps a client string to an Intent. Empty means auto.
func ParseIntent(s string) (Intent, error) {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case "", IntentAuto:
		return IntentAuto, nil
	case IntentAnalyze:
		return IntentAnalyze, nil
	case IntentRefactor:
		return IntentRefactor, nil
	}
	return "", domain.Invalid("unknown_intent", s)
}

const acquireAttempts = 3

var targetLineRe = regexp.MustCompile(`(?mi)^[\s*#>-]*target file\**\s*:\s*(.+)$`)

// Generator produces agent replies. *agent.Service implements it.
type Generator interface {
	Generate(ctx context.Context, req agent.Request) (agent.Reply, error)
}

// Deps are the collaborators of a Pipeline. Sessions, Injector, Agents,
// Gateway and SandboxRoot are required.
type Deps struct {
	Sessions    store.Sessions
	Injector    *prompt.Injector
	Agents      Generator
	Gateway     *gateway.Gateway
	SandboxRoot string

	Ingester     *ingest.Ingester
	Audit        store.AuditLog
	Conversation audit.ConversationLogger
	Hub          *events.Hub
	Logger       *slog.Logger
}

// Pipeline orchestrates sessions.
type Pipeline struct {
	sessions    store.Sessions
	injector    *prompt.Injector
	agents      Generator
	gateway     *gateway.Gateway
	sandboxRoot string
	ingester    *ingest.Ingester
	audit       store.AuditLog
	convlog     audit.ConversationLogger
	hub         *events.Hub
	logger      *slog.Logger
}

// New validates deps and creates a Pipeline.
func New(d Deps) (*Pipeline, error) {
	switch {
	case d.Sessions == nil:
		return nil, errors.New("pipeline: session store is required")
	case d.Injector == nil:
		return nil, errors.New("pipeline: prompt injector is required")
	case d.Agents == nil:
		return nil, errors.New("pipeline: agent service is required")
	case d.Gateway == nil:
		return nil, errors.New("pipeline: tool gateway is required")
	case d.SandboxRoot == "":
		return nil, errors.New("pipeline: sandbox root is required")
	}
	p := &Pipeline{
		sessions:    d.Sessions,
		injector:    d.Injector,
		agents:      d.Agents,
		gateway:     d.Gateway,
		sandboxRoot: d.SandboxRoot,
		ingester:    d.Ingester,
		audit:       d.Audit,
		convlog:     d.Conversation,
		hub:         d.Hub,
		logger:      d.Logger,
	}
	if p.audit == nil {
		p.audit = store.NopAudit{}
	}
	if p.convlog == nil {
		p.convlog = audit.NoopConversationLogger{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// CreateSession starts a new session in INIT.
func (p *Pipeline) CreateSession(ctx context.Context) (*domain.Session, error) {
	s, err := p.sessions.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	p.logger.Info("Session created", "session_id", s.ID)
	p.convlog.Log(audit.ConversationLogEvent{
		SessionID: s.ID,
		Channel:   "pipeline",
		Direction: "internal",
		EventType: "session_created",
	})
	return s, nil
}

// GetSession returns the current view of a session.
func (p *Pipeline) GetSession(ctx context.Context, id string) (SessionView, error) {
	s, err := p.sessions.Get(ctx, id)
	if err != nil {
		return SessionView{}, err
	}
	return View(s), nil
}

// GetHistory returns the turns of a session in order.
func (p *Pipeline) GetHistory(ctx context.Context, id string) ([]domain.Turn, error) {
	s, err := p.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Turns == nil {
		return []domain.Turn{}, nil
	}
	return s.Turns, nil
}

// Invocations returns the audit ledger of a session.
func (p *Pipeline) Invocations(ctx context.Context, id string) ([]store.InvocationRecord, error) {
	if _, err := p.sessions.Get(ctx, id); err != nil {
		return nil, err
	}
	records, err := p.audit.ListInvocations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	if records == nil {
		records = []store.InvocationRecord{}
	}
	return records, nil
}

// DownloadArtifact returns an artifact and the current content of its file.
func (p *Pipeline) DownloadArtifact(ctx context.Context, ref string) (domain.Artifact, []byte, error) {
	a, err := p.sessions.Artifact(ctx, ref)
	if err != nil {
		return domain.Artifact{}, nil, err
	}
	root, err := p.sessionRoot(a.SessionID)
	if err != nil {
		return domain.Artifact{}, nil, err
	}
	data, err := p.gateway.Read(root, a.Path)
	if err != nil {
		return domain.Artifact{}, nil, err
	}
	return a, data, nil
}

// Ingest loads source into the session's code context.
func (p *Pipeline) Ingest(ctx context.Context, id, source string) (*domain.RepoSnapshot, error) {
	if p.ingester == nil {
		return nil, domain.Invalid("ingest_disabled", "")
	}
	release, err := p.sessions.Acquire(ctx, id, "")
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := p.ingester.Ingest(ctx, id, source)
	if err != nil {
		return nil, err
	}
	if err := p.sessions.Update(ctx, id, func(s *domain.Session) error {
		s.Repo = snap
		return nil
	}); err != nil {
		return nil, err
	}

	p.convlog.Log(audit.ConversationLogEvent{
		SessionID: id,
		Channel:   "pipeline",
		Direction: "inbound",
		EventType: "repo_ingested",
		Meta: map[string]any{
			"source":    snap.Source,
			"files":     len(snap.Files),
			"bytes":     snap.Bytes,
			"truncated": snap.Truncated,
		},
	})
	p.publish(events.Event{Type: events.KindIngested, SessionID: id, Files: len(snap.Files)})
	return snap, nil
}

// PostMessage runs one turn. The committed result is returned together with
// a *domain.ValidationError when the Developer's write was rejected.
func (p *Pipeline) PostMessage(ctx context.Context, id, text string, intent Intent) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, domain.Invalid("empty_message", "")
	}
	if intent == "" {
		intent = IntentAuto
	}

	cur, stage, release, err := p.begin(ctx, id, intent)
	if err != nil {
		return Result{}, err
	}
	defer release()

	log := p.logger.With("session_id", id, "stage", stage)
	log.Info("Turn started", "state", cur.Pipeline, "intent", intent)

	userTurn := domain.Turn{Role: domain.RoleUser, Content: text}
	req := p.buildRequest(cur, stage, userTurn)

	reply, err := p.agents.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("Turn cancelled", "error", ctx.Err())
			return Result{}, ctx.Err()
		}
		return p.fail(ctx, cur, userTurn, err)
	}

	var t turn
	if stage == domain.RoleAnalyst {
		t, err = p.analyze(cur, reply)
		if err != nil {
			return p.fail(ctx, cur, userTurn, err)
		}
	} else {
		t, err = p.refactor(ctx, cur, reply)
		var ue *domain.UpstreamError
		if errors.As(err, &ue) {
			return p.fail(ctx, cur, userTurn, err)
		}
		if err != nil {
			return Result{}, err
		}
	}
	t.user = userTurn

	committed, err := p.commit(ctx, cur, t)
	if err != nil {
		return Result{}, err
	}
	latest, _ := committed.LastTurn()
	res := Package(committed, latest)
	log.Info("Turn committed", "state", committed.Pipeline, "cycle", committed.Analysis.Cycle)

	if t.rejection != nil {
		return res, t.rejection
	}
	return res, nil
}

// SessionEvicted disconnects event subscribers of an evicted session.
func (p *Pipeline) SessionEvicted(id string) {
	if p.hub != nil {
		p.hub.CloseSession(id)
	}
	p.convlog.Log(audit.ConversationLogEvent{
		SessionID: id,
		Channel:   "pipeline",
		Direction: "internal",
		EventType: "session_evicted",
	})
}

// begin takes the turn lock for the stage implied by the committed state.
// The state is re-read under the lock; if another turn committed in between
// and changed the stage, the lock is retaken.
func (p *Pipeline) begin(ctx context.Context, id string, intent Intent) (*domain.Session, domain.Role, func(), error) {
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		s, err := p.sessions.Get(ctx, id)
		if err != nil {
			return nil, "", nil, err
		}
		stage, err := stageFor(s, intent)
		if err != nil {
			return nil, "", nil, err
		}

		release, err := p.sessions.Acquire(ctx, id, inFlightFor(stage))
		if err != nil {
			return nil, "", nil, err
		}
		locked, err := p.sessions.Get(ctx, id)
		if err != nil {
			release()
			return nil, "", nil, err
		}
		again, err := stageFor(locked, intent)
		if err != nil {
			release()
			return nil, "", nil, err
		}
		if again == stage {
			return locked, stage, release, nil
		}
		release()
	}
	return nil, "", nil, domain.ErrConflict
}

func stageFor(s *domain.Session, intent Intent) (domain.Role, error) {
	switch intent {
	case IntentAnalyze:
		return domain.RoleAnalyst, nil
	case IntentRefactor:
		if s.Pipeline != domain.StateAnalyzed || s.Analysis.TargetFile == "" {
			return "", domain.Invalid("not_analyzed", fmt.Sprintf("refactor requires state %s, session is %s", domain.StateAnalyzed, s.Pipeline))
		}
		return domain.RoleDeveloper, nil
	case IntentAuto:
		if s.Pipeline == domain.StateAnalyzed && s.Analysis.TargetFile != "" {
			return domain.RoleDeveloper, nil
		}
		return domain.RoleAnalyst, nil
	}
	return "", domain.Invalid("unknown_intent", string(intent))
}

func inFlightFor(stage domain.Role) domain.PipelineState {
	if stage == domain.RoleDeveloper {
		return domain.StateRefactoring
	}
	return domain.StateAnalyzing
}

func (p *Pipeline) buildRequest(s *domain.Session, stage domain.Role, pending domain.Turn) agent.Request {
	var attachments []prompt.Attachment
	tools := []agent.ToolSpec{agent.SubmitAuditTool}
	forceTool := true

	if stage == domain.RoleDeveloper {
		tools = []agent.ToolSpec{agent.WriteFileTool}
		forceTool = false
		if body := p.targetContent(s); body != "" {
			attachments = append(attachments, prompt.Attachment{Title: "Target file content", Body: body})
		}
	} else if s.Repo != nil && s.Repo.Context != "" {
		attachments = append(attachments, prompt.Attachment{Title: "Repository", Body: s.Repo.Context})
	}

	pr := p.injector.Build(s, stage, pending, attachments...)
	if pr.Truncated {
		p.logger.Debug("Prompt history truncated", "session_id", s.ID, "dropped_turns", pr.DroppedTurns)
	}
	return agent.Request{
		Stage:     stage,
		System:    pr.System,
		Text:      pr.Text,
		Tools:     tools,
		ForceTool: forceTool,
	}
}

// targetContent renders the latest version of the target file: the
// sandbox copy if one was written, otherwise the ingested source.
func (p *Pipeline) targetContent(s *domain.Session) string {
	target := s.Analysis.TargetFile
	var content string
	if root, err := p.sessionRoot(s.ID); err == nil {
		if data, err := p.gateway.Read(root, target); err == nil {
			content = string(data)
		}
	}
	if content == "" && s.Repo != nil {
		data, err := ingest.ReadFile(s.Repo, target)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				p.logger.Warn("Failed to read target file", "session_id", s.ID, "target", target, "error", err)
			}
			return ""
		}
		content = data
	}
	if content == "" {
		return ""
	}
	return fmt.Sprintf("--- FILE: %s ---\n%s\n--- END FILE ---", target, content)
}

// turn is the outcome of a stage, ready to be committed.
type turn struct {
	user       domain.Turn
	agent      domain.Turn
	analysis   *domain.AnalysisState
	next       domain.PipelineState
	artifact   *domain.Artifact
	invocation *domain.ToolInvocation
	rejection  error
}

func (p *Pipeline) analyze(s *domain.Session, reply agent.Reply) (turn, error) {
	target, report, err := parseAudit(reply)
	if err != nil {
		return turn{}, domain.Upstream(string(domain.RoleAnalyst), err)
	}
	return turn{
		agent: domain.Turn{Role: domain.RoleAnalyst, Content: report},
		analysis: &domain.AnalysisState{
			Cycle:      s.Analysis.Cycle + 1,
			TargetFile: target,
			Report:     report,
			Status:     domain.AnalysisAnalyzed,
		},
		next: domain.StateAnalyzed,
	}, nil
}

// parseAudit extracts the target file and report from an Analyst reply.
func parseAudit(reply agent.Reply) (string, string, error) {
	switch r := reply.(type) {
	case agent.ToolCallRequest:
		if r.Name != domain.ToolSubmitAudit {
			return "", "", fmt.Errorf("%w: analyst called %q", agent.ErrMalformedReply, r.Name)
		}
		target, _ := r.Args["target_file"].(string)
		report, _ := r.Args["report"].(string)
		target = cleanTarget(target)
		if report == "" {
			report = r.Text
		}
		if target == "" || strings.TrimSpace(report) == "" {
			return "", "", fmt.Errorf("%w: submit_audit needs target_file and report", agent.ErrMalformedReply)
		}
		return target, report, nil
	case agent.PlainText:
		m := targetLineRe.FindStringSubmatch(r.Text)
		if m == nil {
			return "", "", fmt.Errorf("%w: no target file in analyst reply", agent.ErrMalformedReply)
		}
		target := cleanTarget(m[1])
		if target == "" {
			return "", "", fmt.Errorf("%w: empty target file", agent.ErrMalformedReply)
		}
		return target, r.Text, nil
	}
	return "", "", fmt.Errorf("%w: %T", agent.ErrMalformedReply, reply)
}

func cleanTarget(s string) string {
	return strings.Trim(strings.TrimSpace(s), "`'\"* ")
}

func (p *Pipeline) refactor(ctx context.Context, s *domain.Session, reply agent.Reply) (turn, error) {
	switch r := reply.(type) {
	case agent.PlainText:
		return turn{
			agent: domain.Turn{Role: domain.RoleDeveloper, Content: r.Text},
			next:  domain.StateAnalyzed,
		}, nil
	case agent.ToolCallRequest:
		root, err := p.sessionRoot(s.ID)
		if err != nil {
			return turn{}, err
		}
		inv := p.gateway.Dispatch(ctx, r.Name, r.Args, root)
		if !inv.Accepted() && ctx.Err() != nil {
			return turn{}, ctx.Err()
		}
		if !inv.Accepted() {
			return turn{
				agent: domain.Turn{
					Role:       domain.RoleDeveloper,
					Content:    fmt.Sprintf("Write to %q rejected: %s", inv.RequestedPath, inv.Reason),
					Invocation: &inv,
				},
				next:       domain.StateAnalyzed,
				invocation: &inv,
				rejection:  domain.Invalid(inv.Reason, inv.RequestedPath),
			}, nil
		}

		// The artifact names the file the gateway actually wrote.
		rel, err := filepath.Rel(root, inv.ResolvedPath)
		if err != nil {
			return turn{}, fmt.Errorf("artifact path: %w", err)
		}
		rel = filepath.ToSlash(rel)
		artifact := domain.Artifact{
			Ref:   uuid.NewString(),
			Path:  rel,
			Bytes: inv.BytesWritten,
		}
		analysis := s.Analysis
		analysis.Status = domain.AnalysisRefactored
		analysis.ArtifactRef = artifact.Ref
		analysis.UpdatedAt = time.Time{}

		content := strings.TrimSpace(r.Text)
		if content == "" {
			content = fmt.Sprintf("Wrote %s (%d bytes).", rel, inv.BytesWritten)
		}
		return turn{
			agent:      domain.Turn{Role: domain.RoleDeveloper, Content: content, Invocation: &inv},
			analysis:   &analysis,
			next:       domain.StateDone,
			artifact:   &artifact,
			invocation: &inv,
		}, nil
	}
	return turn{}, domain.Upstream(string(domain.RoleDeveloper), fmt.Errorf("%w: %T", agent.ErrMalformedReply, reply))
}

// fail commits the user turn and moves the session to ERROR.
func (p *Pipeline) fail(ctx context.Context, cur *domain.Session, user domain.Turn, cause error) (Result, error) {
	p.logger.Warn("Turn failed", "session_id", cur.ID, "state", cur.Pipeline, "error", cause)
	if _, err := p.commit(ctx, cur, turn{user: user, next: domain.StateError}); err != nil {
		return Result{}, err
	}
	var ue *domain.UpstreamError
	if !errors.As(cause, &ue) {
		cause = domain.Upstream("agent", cause)
	}
	return Result{}, cause
}

// commit applies t in a single store update and emits audit records and
// events for what was committed. Once a file was written the commit
// proceeds even if the caller went away, so the record matches the disk.
func (p *Pipeline) commit(ctx context.Context, cur *domain.Session, t turn) (*domain.Session, error) {
	if t.artifact != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := p.sessions.Update(ctx, cur.ID, func(s *domain.Session) error {
		s.Turns = append(s.Turns, t.user)
		if t.agent.Role != "" {
			s.Turns = append(s.Turns, t.agent)
		}
		if t.analysis != nil {
			s.Analysis = *t.analysis
		}
		if t.artifact != nil {
			s.Artifacts = append(s.Artifacts, *t.artifact)
		}
		s.Pipeline = t.next
		return nil
	}); err != nil {
		return nil, fmt.Errorf("commit turn: %w", err)
	}

	committed, err := p.sessions.Get(context.WithoutCancel(ctx), cur.ID)
	if err != nil {
		return nil, err
	}
	p.record(ctx, cur, committed)
	return committed, nil
}

// record writes the audit trail for the turns added since cur.
func (p *Pipeline) record(ctx context.Context, cur, committed *domain.Session) {
	ctx = context.WithoutCancel(ctx)
	added := committed.Turns[len(cur.Turns):]

	for i := range added {
		tr := added[i]
		direction := "outbound"
		if tr.Role == domain.RoleUser {
			direction = "inbound"
		}
		p.convlog.Log(audit.ConversationLogEvent{
			Timestamp:  tr.Timestamp.UTC().Format(time.RFC3339Nano),
			SessionID:  committed.ID,
			Channel:    "pipeline",
			Direction:  direction,
			EventType:  "turn",
			Role:       string(tr.Role),
			ContentRaw: tr.Content,
			Meta:       map[string]any{"seq": tr.Seq, "turn_id": tr.ID},
		})
		p.publish(events.Event{Type: events.KindTurn, SessionID: committed.ID, Turn: &tr})

		if tr.Invocation == nil {
			continue
		}
		inv := *tr.Invocation
		if err := p.audit.RecordInvocation(ctx, committed.ID, tr.ID, inv); err != nil {
			p.logger.Warn("Failed to record tool invocation", "session_id", committed.ID, "error", err)
		}
		p.convlog.Log(audit.ConversationLogEvent{
			SessionID: committed.ID,
			Channel:   "gateway",
			Direction: "internal",
			EventType: "tool_invocation",
			Meta: map[string]any{
				"tool":          inv.Tool,
				"path":          inv.RequestedPath,
				"outcome":       inv.Outcome(),
				"bytes_written": inv.BytesWritten,
			},
		})
		p.publish(events.Event{Type: events.KindInvocation, SessionID: committed.ID, Invocation: &inv})
	}

	if committed.Pipeline != cur.Pipeline {
		if err := p.audit.RecordTransition(ctx, committed.ID, cur.Pipeline, committed.Pipeline, committed.LastActiveAt); err != nil {
			p.logger.Warn("Failed to record transition", "session_id", committed.ID, "error", err)
		}
		p.publish(events.Event{Type: events.KindState, SessionID: committed.ID, From: cur.Pipeline, To: committed.Pipeline})
	}
	if len(committed.Artifacts) > len(cur.Artifacts) {
		a := committed.Artifacts[len(committed.Artifacts)-1]
		p.publish(events.Event{Type: events.KindArtifact, SessionID: committed.ID, ArtifactRef: a.Ref})
	}
}

func (p *Pipeline) publish(e events.Event) {
	if p.hub != nil {
		p.hub.Publish(e)
	}
}

func (p *Pipeline) sessionRoot(id string) (string, error) {
	root, err := sandbox.Sub(p.sandboxRoot, id)
	if err != nil {
		return "", fmt.Errorf("session sandbox: %w", err)
	}
	return root, nil
}
