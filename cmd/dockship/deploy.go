package main

import (
	"fmt"

	"github.com/artpar/dockship/internal/core/compose"
	"github.com/artpar/dockship/internal/core/envfile"
	"github.com/artpar/dockship/internal/shell/controller"
	"github.com/artpar/dockship/internal/shell/orchestrator"
	"github.com/artpar/dockship/internal/shell/store"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// =============================================================================
// Flags
// =============================================================================

func addTargetFlags(flags *pflag.FlagSet) {
	flags.String("host", "", "Remote host name or IP address")
	flags.Int("port", 22, "Remote SSH port")
	flags.StringP("user", "u", "", "Remote user")
	flags.String("remote-path", "", "Absolute project directory on the remote host")
	flags.String("project-name", "", "Compose project name (default: base name of the remote path)")
	flags.StringSlice("compose-file", nil, "Compose file, relative to the project (repeatable)")
}

func addAuthFlags(flags *pflag.FlagSet) {
	flags.String("key-file", "", "Path to the SSH deploy key")
	flags.String("key-env", "", "Environment variable holding the SSH deploy key")
	flags.String("key-encrypted", "", "Sealed deploy key, or a file holding one")
	flags.String("encryption-key", "", "Key that opens a sealed deploy key")
	flags.String("keyring-user", "", "OS keyring entry holding the deploy key")
	flags.String("host-key-mode", "", "Host key check: known_hosts, pinned or tofu")
	flags.StringSlice("fingerprint", nil, "Pinned host key fingerprint (repeatable)")
	flags.String("known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
}

func addEnvFlags(flags *pflag.FlagSet, env *EnvFlags) {
	flags.StringArrayVarP(&env.Set, "env", "e", nil, "Secret as KEY=VALUE (repeatable)")
	flags.StringArrayVar(&env.From, "env-from", nil, "Secret read from the named environment variable (repeatable)")
}

// =============================================================================
// Deploy
// =============================================================================

func newDeployCmd(a *app) *cobra.Command {
	var env EnvFlags

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the source tree to the remote host",
		Long: `Mirror the source tree to the remote project directory, write the
.env file, stop the running project, build and start it, and verify that
its services are running. Exits non-zero when the deployment fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDeploy(cmd, env)
		},
	}

	flags := cmd.Flags()
	addTargetFlags(flags)
	addAuthFlags(flags)
	addEnvFlags(flags, &env)
	flags.StringP("source", "s", ".", "Local source tree to deploy")
	flags.StringSlice("exclude", nil, "Exclude pattern, gitignore syntax (repeatable)")
	flags.StringSlice("keep", nil, "Remote path the sync must not delete (repeatable)")
	flags.Duration("settle-delay", 0, "Wait before checking service status")
	flags.Duration("build-timeout", 0, "Bound on the image build")
	flags.Bool("history", true, "Record the run in the local history")
	flags.String("history-dsn", "", "Run history database")

	return cmd
}

func (a *app) runDeploy(cmd *cobra.Command, env EnvFlags) error {
	ctx := cmd.Context()

	secrets, err := a.cfg.Bindings(env, nil)
	if err != nil {
		return err
	}
	req, err := a.cfg.DeploymentRequest(a.cfg.Sync.Source, secrets)
	if err != nil {
		return err
	}
	hostKey, err := a.cfg.HostKeyCallback()
	if err != nil {
		return err
	}

	runnerCfg := controller.Config{
		Connect:     controller.SSHConnector(hostKey, a.logger),
		HistoryKeep: a.cfg.History.Keep,
		Trigger:     store.TriggerCLI,
		Logger:      a.logger,
	}
	if a.cfg.History.Enabled {
		history, err := openHistory(a.cfg.History.DSN)
		if err != nil {
			a.logger.Warn("run history unavailable", "dsn", a.cfg.History.DSN, "error", err)
		} else {
			defer history.Close()
			runnerCfg.History = history
		}
	}

	outcome, runErr := controller.NewRunner(runnerCfg).Run(ctx, req)
	if err := a.printer(cmd).Outcome(outcome); err != nil {
		return err
	}
	return runErr
}

// =============================================================================
// Status
// =============================================================================

func newStatusCmd(a *app) *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the services and recent logs of the deployed project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runStatus(cmd, tail)
		},
	}

	flags := cmd.Flags()
	addTargetFlags(flags)
	addAuthFlags(flags)
	flags.IntVarP(&tail, "tail", "n", 0, "Log lines to show (default: verify.success_tail)")

	return cmd
}

func (a *app) runStatus(cmd *cobra.Command, tail int) error {
	ctx := cmd.Context()

	req, err := a.cfg.DeploymentRequest(a.cfg.Sync.Source, nil)
	if err != nil {
		return err
	}
	projectName, err := compose.ProjectName(req.ProjectName, req.RemotePath)
	if err != nil {
		return &configError{err: err}
	}
	hostKey, err := a.cfg.HostKeyCallback()
	if err != nil {
		return err
	}
	if tail <= 0 {
		tail = req.SuccessTailLines
	}

	sess, err := controller.SSHConnector(hostKey, a.logger)(ctx, req)
	if err != nil {
		return err
	}
	defer sess.Close()

	driver := orchestrator.NewDriver(sess, orchestrator.Config{
		ProjectName:    projectName,
		ComposeFiles:   req.ComposeFiles,
		CommandTimeout: req.CommandTimeout,
		Logger:         a.logger,
	})
	defer driver.Close()

	services, err := driver.Status(ctx, req.RemotePath)
	if err != nil {
		return err
	}
	logs, err := driver.Logs(ctx, req.RemotePath, tail)
	if err != nil {
		a.logger.Warn("failed to fetch logs", "error", err)
	}
	return a.printer(cmd).Status(services, logs)
}

// =============================================================================
// Render Env
// =============================================================================

func newRenderEnvCmd(a *app) *cobra.Command {
	var env EnvFlags
	var reveal bool

	cmd := &cobra.Command{
		Use:   "render-env",
		Short: "Print the .env file a deployment would write",
		Long: `Validate the configured secrets and print the .env file a deployment
would write. Values are masked unless --reveal is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRenderEnv(cmd, env, reveal)
		},
	}

	addEnvFlags(cmd.Flags(), &env)
	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print secret values")

	return cmd
}

func (a *app) runRenderEnv(cmd *cobra.Command, env EnvFlags, reveal bool) error {
	secrets, err := a.cfg.Bindings(env, nil)
	if err != nil {
		return err
	}
	text, err := envfile.Render(secrets)
	if err != nil {
		return err
	}
	if !reveal {
		text = envfile.Mask(secrets)
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), text)
	return err
}
