// Package controller runs the deployment pipeline for one request:
// preflight, connect, mirror sync, env file, stop, build and start, verify.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/artpar/dockship/internal/core/compose"
	"github.com/artpar/dockship/internal/core/domain"
	"github.com/artpar/dockship/internal/core/exclude"
	"github.com/artpar/dockship/internal/core/pipeline"
	"github.com/artpar/dockship/internal/shell/materializer"
	"github.com/artpar/dockship/internal/shell/orchestrator"
	"github.com/artpar/dockship/internal/shell/source"
	"github.com/artpar/dockship/internal/shell/store"
	"github.com/artpar/dockship/internal/shell/transport"
	"github.com/artpar/dockship/internal/shell/verifier"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// recordTimeout bounds the history write after a run, cancelled or not.
const recordTimeout = 10 * time.Second

// =============================================================================
// Dependencies
// =============================================================================

// Session is the remote session a run works through.
type Session interface {
	Sync(ctx context.Context, localRoot, remotePath string, opts transport.SyncOptions) (domain.SyncResult, error)
	WriteFileAtomic(ctx context.Context, target string, data []byte, mode os.FileMode, suffix string) error
	ExecuteWithTimeout(ctx context.Context, script string, timeout time.Duration) (domain.ExecResult, error)
	DialRemote(ctx context.Context, network, addr string) (net.Conn, error)
	Close() error
}

// Connector opens the session for a request.
type Connector func(ctx context.Context, req domain.DeploymentRequest) (Session, error)

// SSHConnector connects with transport.Connect, verifying host keys with
// hostKey.
func SSHConnector(hostKey ssh.HostKeyCallback, logger *slog.Logger) Connector {
	return func(ctx context.Context, req domain.DeploymentRequest) (Session, error) {
		sess, err := transport.Connect(ctx, req.Host, req.User, req.Credential, transport.Options{
			Port:           req.Port,
			ConnectTimeout: req.ConnectTimeout,
			CommandTimeout: req.CommandTimeout,
			HostKey:        hostKey,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}

// Driver is the orchestrator surface a run uses.
type Driver interface {
	Stop(ctx context.Context, projectPath string) error
	BuildAndStart(ctx context.Context, projectPath string) error
	Status(ctx context.Context, projectPath string) ([]domain.ServiceStatus, error)
	Logs(ctx context.Context, projectPath string, tail int) (string, error)
	Close() error
}

// DriverFactory builds the orchestrator driver on top of a session.
type DriverFactory func(remote orchestrator.Remote, cfg orchestrator.Config) Driver

func newOrchestratorDriver(remote orchestrator.Remote, cfg orchestrator.Config) Driver {
	return orchestrator.NewDriver(remote, cfg)
}

// Event is one state transition of a run.
type Event struct {
	RunID  string
	Target string
	From   domain.State
	To     domain.State
	Err    error // Set when To is Failed
	At     time.Time
}

// Observer receives every transition of every run. It must not block.
type Observer func(Event)

// =============================================================================
// Runner
// =============================================================================

// Config configures a Runner. Only Connect is required.
type Config struct {
	Connect   Connector
	NewDriver DriverFactory    // Default: orchestrator.NewDriver
	Sleep     verifier.Sleeper // Default: verifier.Sleep
	History   store.Store      // Optional run history
	// HistoryKeep prunes a target's history to its newest runs. 0 keeps all.
	HistoryKeep int
	Trigger     string // Recorded on history entries. Default: store.TriggerCLI
	Observer    Observer
	Logger      *slog.Logger

	Now      func() time.Time                  // Default: time.Now
	NewRunID func() string                     // Default: uuid.NewString
	ReadFile func(name string) ([]byte, error) // Default: os.ReadFile
}

// Runner executes deployment runs. A Runner is safe for concurrent use;
// every run gets its own session and driver.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.NewDriver == nil {
		cfg.NewDriver = newOrchestratorDriver
	}
	if cfg.Sleep == nil {
		cfg.Sleep = verifier.Sleep
	}
	if cfg.Trigger == "" {
		cfg.Trigger = store.TriggerCLI
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = uuid.NewString
	}
	if cfg.ReadFile == nil {
		cfg.ReadFile = os.ReadFile
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		logger: logger.With("component", "controller"),
	}
}

// Run drives req through the pipeline and returns the outcome. The error
// is nil on Success; otherwise it is a *domain.StageError naming the state
// that failed.
func (r *Runner) Run(ctx context.Context, req domain.DeploymentRequest) (domain.Outcome, error) {
	x := &run{
		r:       r,
		id:      r.cfg.NewRunID(),
		req:     req,
		machine: pipeline.NewMachine(),
	}
	x.logger = r.logger.With("run_id", x.id, "target", req.Target())
	x.outcome = domain.Outcome{
		RunID:     x.id,
		Target:    req.Target(),
		Revision:  req.Revision,
		StartedAt: r.cfg.Now(),
	}

	x.logger.Info("run started", "host", req.Host, "remote_path", req.RemotePath)
	err := x.execute(ctx)
	outcome := x.finish(err)
	r.record(ctx, x, outcome, err)
	return outcome, err
}

func (r *Runner) record(ctx context.Context, x *run, outcome domain.Outcome, runErr error) {
	if r.cfg.History == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	entry := store.NewRun(outcome, x.req, r.cfg.Trigger, runErr)
	err := r.cfg.History.WithTx(rctx, func(tx store.Store) error {
		if err := tx.RecordRun(rctx, entry); err != nil {
			return err
		}
		_, err := tx.PruneRuns(rctx, entry.Target, r.cfg.HistoryKeep)
		return err
	})
	if err != nil {
		x.logger.Warn("failed to record run", "error", err)
	}
}

// =============================================================================
// Run
// =============================================================================

// run is the state of one pipeline run.
type run struct {
	r       *Runner
	id      string
	req     domain.DeploymentRequest
	machine *pipeline.Machine
	logger  *slog.Logger
	outcome domain.Outcome
}

func (x *run) execute(ctx context.Context) error {
	// 1. Idle: preflight the compose project before touching the host
	if err := x.preflight(ctx); err != nil {
		return x.fail(err)
	}
	x.stampRevision()

	// 2. Connect
	if err := x.enter(ctx, domain.StateConnecting); err != nil {
		return err
	}
	sess, err := x.r.cfg.Connect(ctx, x.req)
	if err != nil {
		return x.fail(err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			x.logger.Debug("session close", "error", err)
		}
	}()

	// 3. Mirror the source tree
	if err := x.enter(ctx, domain.StateSyncing); err != nil {
		return err
	}
	syncCtx, cancel := context.WithTimeout(ctx, x.req.SyncTimeout)
	result, err := sess.Sync(syncCtx, x.req.SourceRoot, x.req.RemotePath, x.syncOptions())
	cancel()
	x.outcome.Sync = result
	if err != nil {
		return x.fail(err)
	}

	// 4. Materialize the env file
	if err := x.enter(ctx, domain.StateWritingEnv); err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, x.req.CommandTimeout)
	err = materializer.New(x.logger).Write(writeCtx, sess, x.req.RemotePath, x.req.Secrets, x.id)
	cancel()
	if err != nil {
		return x.fail(err)
	}

	driver := x.r.cfg.NewDriver(sess, orchestrator.Config{
		ProjectName:    x.req.ProjectName,
		ComposeFiles:   x.req.ComposeFiles,
		CommandTimeout: x.req.CommandTimeout,
		BuildTimeout:   x.req.BuildTimeout,
		Logger:         x.logger,
	})
	defer driver.Close()

	// 5. Stop the previous deployment
	if err := x.enter(ctx, domain.StateStopping); err != nil {
		return err
	}
	if err := driver.Stop(ctx, x.req.RemotePath); err != nil {
		if !domain.IsNoPriorDeployment(err) {
			x.collectLogs(ctx, driver)
			return x.fail(err)
		}
		x.logger.Info("nothing to stop, continuing", "reason", err.Error())
	}

	// 6. Build and start
	if err := x.enter(ctx, domain.StateBuildingStarting); err != nil {
		return err
	}
	if err := driver.BuildAndStart(ctx, x.req.RemotePath); err != nil {
		var de *domain.DeployError
		if errors.As(err, &de) && de.Services != nil {
			x.outcome.Services = de.Services
		}
		x.collectLogs(ctx, driver)
		return x.fail(err)
	}

	// 7. Verify
	if err := x.enter(ctx, domain.StateVerifying); err != nil {
		return err
	}
	verdict := verifier.New(driver, x.r.cfg.Sleep, x.logger).Verify(ctx, x.req.RemotePath, verifier.Options{
		SettleDelay:      x.req.SettleDelay,
		SuccessTailLines: x.req.SuccessTailLines,
		FailureTailLines: x.req.FailureTailLines,
	})
	x.outcome.Services = verdict.Services
	x.outcome.Logs = verdict.Logs
	x.outcome.Reason = verdict.Reason
	if !verdict.Success {
		return x.fail(domain.NewDeployError("Verify", verdict.Reason, domain.ErrVerification))
	}

	return x.enter(ctx, domain.StateSucceeded)
}

// enter advances the machine, failing the run instead when ctx is done.
func (x *run) enter(ctx context.Context, to domain.State) error {
	if to != domain.StateSucceeded && ctx.Err() != nil {
		return x.fail(fmt.Errorf("run cancelled before %s: %w", to, ctx.Err()))
	}
	t, err := x.machine.Advance(to)
	if err != nil {
		return x.fail(err)
	}
	x.logger.Info("state transition", "from", t.From, "to", t.To)
	x.notify(t, nil)
	return nil
}

// fail moves the machine to Failed and wraps err with the state it failed in.
func (x *run) fail(err error) error {
	state := x.machine.Current()
	if state.IsTerminal() {
		return err
	}
	stageErr := &domain.StageError{State: state, Err: err}
	t, terr := x.machine.Fail()
	if terr != nil {
		return stageErr
	}
	x.logger.Error("run failed", "state", state, "error", err)
	x.notify(t, stageErr)
	return stageErr
}

func (x *run) notify(t pipeline.Transition, err error) {
	if x.r.cfg.Observer == nil {
		return
	}
	x.r.cfg.Observer(Event{
		RunID:  x.id,
		Target: x.req.Target(),
		From:   t.From,
		To:     t.To,
		Err:    err,
		At:     x.r.cfg.Now(),
	})
}

// collectLogs fetches the failure tail after a stop or build failure.
// Errors are logged only.
func (x *run) collectLogs(ctx context.Context, driver Driver) {
	if ctx.Err() != nil {
		return
	}
	logs, err := driver.Logs(ctx, x.req.RemotePath, x.req.FailureTailLines)
	if err != nil {
		x.logger.Warn("log fetch after failure", "error", err)
		return
	}
	x.outcome.Logs = logs
}

func (x *run) finish(err error) domain.Outcome {
	o := x.outcome
	o.FinishedAt = x.r.cfg.Now()
	o.Success = err == nil
	if err != nil {
		o.FailedState = domain.FailedState(err)
		o.Reason = err.Error()
	}
	x.logger.Info("run finished",
		"success", o.Success,
		"failed_state", o.FailedState,
		"duration", o.Duration(),
		"files_transferred", o.Sync.FilesTransferred,
		"deleted_remote_only", o.Sync.DeletedRemoteOnly,
	)
	return o
}

func (x *run) syncOptions() transport.SyncOptions {
	opts := transport.SyncOptions{
		Exclude: exclude.New(x.req.ExcludePatterns),
		Protect: []string{domain.EnvFileName},
	}
	if len(x.req.KeepPatterns) > 0 {
		opts.Keep = exclude.NewWithoutDefaults(x.req.KeepPatterns)
	}
	return opts
}

// =============================================================================
// Preflight
// =============================================================================

// preflight reads the compose files from the source tree, derives the
// project name and checks that the project parses and defines services.
func (x *run) preflight(ctx context.Context) error {
	name, err := compose.ProjectName(x.req.ProjectName, x.req.RemotePath)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPreflight, err)
	}
	x.req = x.req.WithProjectName(name)

	files, err := x.readComposeFiles()
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPreflight, err)
	}

	env := make(map[string]string, len(x.req.Secrets))
	for _, b := range x.req.Secrets {
		env[b.Name] = b.Value
	}
	project, err := compose.Check(ctx, files, name, env)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPreflight, err)
	}

	x.logger.Info("preflight passed",
		"project", project.Name,
		"files", project.Files,
		"services", project.Services,
		"build_services", project.BuildServices,
	)
	return nil
}

// readComposeFiles reads every configured compose file, or the first
// default name present when none is configured.
func (x *run) readComposeFiles() ([]compose.File, error) {
	configured := len(x.req.ComposeFiles) > 0
	var files []compose.File
	for _, name := range compose.CandidateNames(x.req.ComposeFiles) {
		data, err := x.r.cfg.ReadFile(filepath.Join(x.req.SourceRoot, filepath.FromSlash(name)))
		if err != nil {
			if !configured && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		files = append(files, compose.File{Name: name, Content: data})
		if !configured {
			break
		}
	}
	if len(files) == 0 {
		return nil, compose.ErrNoComposeFile
	}
	return files, nil
}

func (x *run) stampRevision() {
	if x.req.Revision != "" {
		return
	}
	rev, err := source.Revision(x.req.SourceRoot)
	if err != nil {
		x.logger.Warn("could not read source revision", "error", err)
		return
	}
	x.req = x.req.WithRevision(rev)
	x.outcome.Revision = rev
}
