// CLAUDE:SUMMARY Engine facade: opens the state DB, wires the version guard into the snapshot store, registers all capability chains, and owns the dispatch-then-commit loop.

// Package relais is the task-dispatch and state-continuity engine of a
// long-running personal agent. An Engine routes capability requests
// through provider chains, folds each completed request into a versioned
// snapshot chain, and refuses to commit state whose version tag drifted
// from the release manifest.
package relais

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/relais/internal/browser"
	"github.com/hazyhaar/relais/internal/browseract"
	"github.com/hazyhaar/relais/internal/captcha"
	"github.com/hazyhaar/relais/internal/dbopen"
	"github.com/hazyhaar/relais/internal/dispatch"
	"github.com/hazyhaar/relais/internal/idgen"
	"github.com/hazyhaar/relais/internal/journal"
	"github.com/hazyhaar/relais/internal/operator"
	"github.com/hazyhaar/relais/internal/search"
	"github.com/hazyhaar/relais/internal/selfmod"
	"github.com/hazyhaar/relais/internal/snapstore"
	"github.com/hazyhaar/relais/internal/versions"
)

// appendAttempts bounds how many times a dispatch re-reads the head and
// retries the append after a concurrency conflict.
const appendAttempts = 3

// State is the JSON document every snapshot payload carries: who the
// agent is and the last completed request that moved it here. A payload
// that fails to parse is treated as corruption and replaced by a fresh
// document carrying only the configured identity.
type State struct {
	Identity     string `json:"identity"`
	Dispatches   uint64 `json:"dispatches"`
	LastRequest  string `json:"last_request,omitempty"`
	LastKind     string `json:"last_kind,omitempty"`
	LastProvider string `json:"last_provider,omitempty"`
	LastEffect   string `json:"last_effect,omitempty"`
}

// EnvFunc builds the environment snapshot a single dispatch reads.
type EnvFunc func(req *dispatch.Request) *dispatch.Env

// Engine wires the snapshot store, journal, version guard, and the
// capability router behind one Dispatch entry point.
type Engine struct {
	cfg    *Config
	logger *slog.Logger

	db       *sql.DB
	store    *snapstore.Store
	journal  *journal.Journal
	manifest *versions.ManifestFile
	label    *versions.Label
	guard    *versions.Guard

	router  *dispatch.Router
	browser *browser.Manager

	client       *http.Client
	newID        idgen.Generator
	envFn        EnvFunc
	urlValidator func(string) error
}

// EngineOption adjusts an Engine before its chains are wired.
type EngineOption func(*Engine)

// WithIDGenerator replaces the request ID generator.
func WithIDGenerator(gen idgen.Generator) EngineOption {
	return func(e *Engine) { e.newID = gen }
}

// WithEnvFunc replaces how the per-dispatch environment is built.
func WithEnvFunc(fn EnvFunc) EngineOption {
	return func(e *Engine) { e.envFn = fn }
}

// WithHTTPClient replaces the outbound HTTP client shared by the search
// providers and the result extractor.
func WithHTTPClient(c *http.Client) EngineOption {
	return func(e *Engine) { e.client = c }
}

// WithURLValidator replaces the SSRF validator handed to every provider
// that fetches operator- or engine-supplied URLs.
func WithURLValidator(fn func(string) error) EngineOption {
	return func(e *Engine) { e.urlValidator = fn }
}

// New opens the state database, loads the release manifest, and registers
// one provider chain per capability kind. The manifest file must already
// exist: an agent that cannot read its own version must not run.
func New(cfg *Config, logger *slog.Logger, opts ...EngineOption) (*Engine, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	db, err := dbopen.Open(cfg.StateDB,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(snapstore.Schema),
		dbopen.WithSchema(journal.Schema),
		dbopen.WithMaxConns(1),
	)
	if err != nil {
		return nil, fmt.Errorf("relais: open state db: %w", err)
	}

	manifest := &versions.ManifestFile{Path: cfg.Manifest}
	tag, err := manifest.Tag(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("relais: read release manifest: %w", err)
	}
	label := versions.NewLabel(tag)
	guard := versions.NewGuard(manifest, label)

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    snapstore.New(db, snapstore.WithValidator(guard)),
		journal:  journal.New(db, journal.WithLogger(logger)),
		manifest: manifest,
		label:    label,
		guard:    guard,
		client:   &http.Client{Timeout: 30 * time.Second},
		newID:    idgen.Prefixed("req_", idgen.Default),
	}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.Browser.Enabled {
		e.browser = browser.NewManager(browser.Config{
			RemoteURL:        cfg.Browser.RemoteURL,
			MemoryLimit:      cfg.Browser.MemoryLimitMB << 20,
			BlockedResources: cfg.Browser.BlockedResources,
			Logger:           logger,
		})
	}

	router := dispatch.New(dispatch.WithLogger(logger))

	if len(cfg.Search.Engines) > 0 {
		deps := search.Deps{
			Client:       e.client,
			Browser:      e.browser,
			Logger:       logger,
			URLValidator: e.urlValidator,
		}
		if cfg.Search.DeepFetch {
			var exOpts []search.ExtractorOption
			if e.urlValidator != nil {
				exOpts = append(exOpts, search.WithURLValidator(e.urlValidator))
			}
			deps.Extractor = search.NewExtractor(e.client, logger, exOpts...)
		}
		router.Register(dispatch.KindSearch, search.NewChain(cfg.Search.Engines, deps))
	}

	router.Register(dispatch.KindBrowserAction, browseract.NewChain(browseract.Deps{
		Browser:      e.browser,
		Logger:       logger,
		URLValidator: e.urlValidator,
	}))

	var testKey *captcha.TestKey
	if len(cfg.Captcha.TestKeys) > 0 {
		testKey, err = captcha.NewTestKey(cfg.Captcha.TestKeys)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	var interactor captcha.Interactor
	if e.browser != nil {
		interactor = captcha.NewBrowserInteractor(e.browser)
	}
	evasion := captcha.NewEvasion(interactor,
		captcha.WithAttemptCap(cfg.Captcha.EvasionAttempts),
		captcha.WithEvasionLogger(logger),
	)
	var solver *captcha.Solver
	if cfg.Captcha.Solver.BaseURL != "" {
		solver = captcha.NewSolver(cfg.Captcha.Solver.BaseURL, cfg.Captcha.Solver.APIKey,
			captcha.WithSolverLogger(logger))
	}
	router.Register(dispatch.KindCaptcha, captcha.NewLadder(testKey, evasion, solver))

	router.Register(dispatch.KindSelfModify,
		selfmod.NewChain(selfmod.NewProvider(cfg.Root, manifest, label, logger)))

	e.router = router
	return e, nil
}

// Start seeds the snapshot chain on first run, verifies the durable head
// against every version source, records the startup event, and launches
// the heartbeat. It does not block; a verification failure is fatal and
// the engine must not dispatch.
func (e *Engine) Start(ctx context.Context) error {
	head, err := e.store.Head(ctx)
	if errors.Is(err, snapstore.ErrEmptyHistory) {
		tag, terr := e.manifest.Tag(ctx)
		if terr != nil {
			return fmt.Errorf("relais: read release manifest: %w", terr)
		}
		seed, serr := json.Marshal(&State{Identity: e.cfg.Identity})
		if serr != nil {
			return serr
		}
		head, err = e.store.Seed(ctx, tag, seed)
		if err != nil {
			return fmt.Errorf("relais: seed state history: %w", err)
		}
		e.logger.InfoContext(ctx, "state history seeded",
			"identity", e.cfg.Identity, "tag", tag)
	} else if err != nil {
		return err
	}

	// The durable head must agree with every version source before
	// anything dispatches.
	if err := e.guard.Validate(ctx, head.Tag); err != nil {
		e.journal.Record(ctx, &journal.Event{Kind: journal.EventDesync, Detail: err.Error()})
		return fmt.Errorf("relais: startup verification: %w", err)
	}

	if e.browser != nil {
		if err := e.browser.Start(ctx); err != nil {
			e.logger.WarnContext(ctx, "browser unavailable, browser-backed providers will decline",
				"error", err)
		}
	}

	e.journal.Record(ctx, &journal.Event{
		Kind:   journal.EventStartup,
		Detail: fmt.Sprintf("head seq %d, tag %s", head.Seq, head.Tag),
	})
	e.logger.InfoContext(ctx, "engine started",
		"head_seq", head.Seq, "tag", head.Tag, "kinds", e.router.Kinds())

	go e.heartbeatLoop(ctx)
	return nil
}

// Dispatch routes one request through its capability chain and, for
// state-relevant kinds, commits the outcome as a new snapshot. The report
// is always non-nil and carries the terminal outcome; the result is only
// non-nil on success. Failures are data, not errors: the caller reads the
// report, and every terminal outcome lands in the journal.
func (e *Engine) Dispatch(ctx context.Context, req *dispatch.Request) (*dispatch.Result, *dispatch.Report) {
	if req.ID == "" {
		req.ID = e.newID()
	}
	rep := &dispatch.Report{RequestID: req.ID, Kind: req.Kind}

	res, err := e.router.Dispatch(ctx, req, e.buildEnv(req))
	if err != nil {
		rep.Outcome, rep.Provider, rep.Detail = classifyOutcome(err)
		e.record(ctx, rep)
		return nil, rep
	}
	rep.Provider = res.Provider
	rep.Detail = res.Effect

	if chain, ok := e.router.Chain(req.Kind); ok && chain.StateIrrelevant {
		rep.Outcome = dispatch.OutcomeSuccess
		e.record(ctx, rep)
		return res, rep
	}

	snap, err := e.appendResult(ctx, req, res)
	if err != nil {
		outcome, _, detail := classifyOutcome(err)
		rep.Outcome = outcome
		// The provider already acted on the world. The snapshot is
		// discarded, never the effect, so the report must name it.
		rep.Detail = fmt.Sprintf("%s (external effect stands: %s)", detail, res.Effect)
		e.record(ctx, rep)
		return nil, rep
	}
	rep.Outcome = dispatch.OutcomeSuccess
	rep.SnapshotSeq = snap.Seq
	e.record(ctx, rep)
	return res, rep
}

// appendResult folds the result into the head state and appends a new
// snapshot, re-reading the head after each concurrency conflict. The
// snapshot inherits the head's tag unless the provider advanced it.
func (e *Engine) appendResult(ctx context.Context, req *dispatch.Request, res *dispatch.Result) (*snapstore.Snapshot, error) {
	var lastErr error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		head, err := e.store.Head(ctx)
		if err != nil {
			return nil, err
		}
		tag := head.Tag
		if res.Tag != "" {
			tag = res.Tag
		}
		payload, err := e.nextState(head.Payload, req, res)
		if err != nil {
			return nil, err
		}
		snap, err := e.store.Append(ctx, head.Seq, tag, payload)
		var conflict *snapstore.ConflictError
		if errors.As(err, &conflict) {
			lastErr = err
			e.logger.WarnContext(ctx, "append conflict, retrying against new head",
				"request_id", req.ID, "attempt", attempt,
				"stale_parent", conflict.Parent, "head", conflict.Head)
			continue
		}
		return snap, err
	}
	return nil, lastErr
}

// nextState folds a completed request into the head payload.
func (e *Engine) nextState(headPayload []byte, req *dispatch.Request, res *dispatch.Result) ([]byte, error) {
	var st State
	if err := json.Unmarshal(headPayload, &st); err != nil {
		e.logger.Warn("head payload unreadable, starting a fresh state document", "error", err)
		st = State{Identity: e.cfg.Identity}
	}
	st.Dispatches++
	st.LastRequest = req.ID
	st.LastKind = string(req.Kind)
	st.LastProvider = res.Provider
	st.LastEffect = res.Effect
	return json.Marshal(&st)
}

// buildEnv constructs the per-dispatch environment. The reserved
// "signals" param raises named environment signals, comma-separated.
func (e *Engine) buildEnv(req *dispatch.Request) *dispatch.Env {
	if e.envFn != nil {
		return e.envFn(req)
	}
	env := &dispatch.Env{Now: time.Now()}
	if raw := req.Params["signals"]; raw != "" {
		env.Signals = make(map[string]bool)
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				env.Signals[s] = true
			}
		}
	}
	return env
}

// record writes the terminal event for one dispatch. Desync outcomes get
// their own event kind so operators can find flagged effects. The write
// survives a canceled dispatch context.
func (e *Engine) record(ctx context.Context, rep *dispatch.Report) {
	kind := journal.EventDispatch
	if rep.Outcome == dispatch.OutcomeDesync {
		kind = journal.EventDesync
	}
	e.journal.Record(context.WithoutCancel(ctx), &journal.Event{
		Kind:        kind,
		RequestID:   rep.RequestID,
		Outcome:     string(rep.Outcome),
		Provider:    rep.Provider,
		SnapshotSeq: rep.SnapshotSeq,
		Detail:      rep.Detail,
	})
}

// classifyOutcome maps a dispatch or commit error to its terminal
// outcome. Cancellation wins over everything; unclassified errors count
// as hard failures.
func classifyOutcome(err error) (dispatch.Outcome, string, string) {
	var (
		unknown   *dispatch.UnknownCapabilityError
		exhausted *dispatch.ChainExhaustedError
		desync    *versions.DesyncError
		conflict  *snapstore.ConflictError
		hard      *dispatch.HardError
	)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return dispatch.OutcomeCanceled, "", err.Error()
	case errors.As(err, &unknown):
		return dispatch.OutcomeUnknown, "", err.Error()
	case errors.As(err, &exhausted):
		return dispatch.OutcomeChainExhausted, "", err.Error()
	case errors.As(err, &desync):
		return dispatch.OutcomeDesync, "", err.Error()
	case errors.As(err, &conflict):
		return dispatch.OutcomeConflict, "", err.Error()
	case errors.As(err, &hard):
		return dispatch.OutcomeHardFailure, hard.Provider, err.Error()
	default:
		return dispatch.OutcomeHardFailure, "", err.Error()
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.journal.Heartbeat(ctx)
			if n, err := e.journal.Cleanup(ctx, e.cfg.Retention); err == nil && n > 0 {
				e.logger.DebugContext(ctx, "journal cleanup", "removed", n)
			}
		}
	}
}

// Head returns the current durable state snapshot.
func (e *Engine) Head(ctx context.Context) (*snapstore.Snapshot, error) {
	return e.store.Head(ctx)
}

// Restore returns the snapshot at seq without moving the head.
func (e *Engine) Restore(ctx context.Context, seq uint64) (*snapstore.Snapshot, error) {
	return e.store.Restore(ctx, seq)
}

// History returns up to limit snapshots, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]*snapstore.Snapshot, error) {
	return e.store.History(ctx, limit)
}

// Versions reports the tag every source currently shows, with the durable
// head appended when the chain is seeded.
func (e *Engine) Versions(ctx context.Context) ([]versions.Record, error) {
	records, err := e.guard.Records(ctx)
	if err != nil {
		return nil, err
	}
	head, err := e.store.Head(ctx)
	if errors.Is(err, snapstore.ErrEmptyHistory) {
		return records, nil
	}
	if err != nil {
		return nil, err
	}
	return append(records, versions.Record{Source: versions.SourceSnapshot, Tag: head.Tag}), nil
}

// Operator returns the authenticated HTTP surface bound to this engine.
func (e *Engine) Operator(username string, passwordHash []byte) http.Handler {
	srv := operator.New(username, passwordHash, operator.Deps{
		Dispatcher: e,
		Store:      e.store,
		Journal:    e.journal,
		Guard:      e.guard,
		Logger:     e.logger,
		NewID:      e.newID,
	})
	return srv.Routes()
}

// Close records the shutdown event and releases the browser and database.
func (e *Engine) Close() error {
	e.journal.Record(context.Background(), &journal.Event{Kind: journal.EventShutdown})
	if e.browser != nil {
		if err := e.browser.Close(); err != nil {
			e.logger.Warn("browser close", "error", err)
		}
	}
	return e.db.Close()
}
