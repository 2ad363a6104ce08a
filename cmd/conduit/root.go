package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/seantiz/conduit/internal/client"
	"github.com/seantiz/conduit/internal/config"
	"github.com/seantiz/conduit/internal/monitor"
	"github.com/seantiz/conduit/internal/retry"
)

// app carries state shared by every subcommand.
type app struct {
	v       *viper.Viper
	cfg     config.Config
	logger  *slog.Logger
	project client.StaticContext
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "conduit",
		Short: "Asynchronous orchestration of engineering workflows",
		Long: `conduit plans work with a remote planning service, monitors executions,
and dispatches the resulting commands to the host model one at a time.

Settings come from CONDUIT_* environment variables, an optional YAML file
(--config) and flags, in increasing precedence.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "path to a YAML config file")
	pf.String("remote-url", "", "base URL of the remote planning service")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&a.project.ProjectName, "project", "", "project name attached to remote requests")
	pf.StringVar(&a.project.Discipline, "discipline", "", "engineering discipline attached to remote requests")
	for key, name := range map[string]string{
		config.KeyConfigFile: "config",
		config.KeyRemoteURL:  "remote-url",
		config.KeyLogLevel:   "log-level",
	} {
		if err := a.v.BindPFlag(key, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(
		a.serveCmd(),
		a.simulateCmd(),
		a.planCmd(),
		a.queryCmd(),
		a.templatesCmd(),
	)
	return root
}

// bindAnnotation marks a local flag as the source of a config key.
const bindAnnotation = "conduit.config/"

// bindFlags records which config keys cmd's local flags override. Viper
// holds one flag per key, so the binding happens in load for the command
// that actually runs.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string, len(keys))
	}
	for key, name := range keys {
		cmd.Annotations[bindAnnotation+key] = name
	}
}

func (a *app) bindLocal(fs *pflag.FlagSet, annotations map[string]string) error {
	for k, name := range annotations {
		key, ok := strings.CutPrefix(k, bindAnnotation)
		if !ok {
			continue
		}
		if err := a.v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	if err := a.bindLocal(cmd.Flags(), cmd.Annotations); err != nil {
		return err
	}
	cfg, err := config.FromViper(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = config.NewLogger(os.Stderr, cfg.LogLevel)
	return nil
}

// newClient builds the remote client from configuration.
func (a *app) newClient() *client.Client {
	// retry.New treats zero as "use the default", while a configured zero
	// means no retries.
	retries := a.cfg.RetryMax
	if retries == 0 {
		retries = -1
	}
	return client.New(a.cfg.RemoteURL, a.logger,
		client.WithPrefix(a.cfg.APIPrefix),
		client.WithRetryPolicy(retry.New(retries, a.cfg.RetryBaseDelay, a.logger)),
		client.WithContextProvider(a.project),
	)
}

// monitorOptions returns the configured poll bounds.
func (a *app) monitorOptions() []monitor.Option {
	return []monitor.Option{
		monitor.WithInterval(a.cfg.PollInterval),
		monitor.WithTimeout(a.cfg.PollTimeout),
		monitor.WithMaxPolls(a.cfg.MaxPolls),
	}
}
