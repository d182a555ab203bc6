// Command stevedore deploys a multi-container application to a remote
// host over SSH and watches it until it is healthy.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stevedore/stevedore/internal/core/domain"
	"github.com/stevedore/stevedore/internal/shell/deploy"
	"github.com/stevedore/stevedore/internal/shell/params"
	"github.com/stevedore/stevedore/internal/shell/session"
	"github.com/stevedore/stevedore/internal/shell/store"
	"github.com/stevedore/stevedore/internal/shell/transfer"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitConfigError  = 1
	ExitDeployFailed = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		if isConfigError(err) {
			return ExitConfigError
		}
		return ExitDeployFailed
	}
	return ExitSuccess
}

// isConfigError classifies failures the operator fixes by changing
// configuration rather than by retrying.
func isConfigError(err error) bool {
	return errors.Is(err, domain.ErrMissingSetting) ||
		errors.Is(err, domain.ErrHostRequired) ||
		errors.Is(err, domain.ErrUserRequired) ||
		errors.Is(err, domain.ErrAuthRequired) ||
		errors.Is(err, errBadConfig)
}

var errBadConfig = errors.New("invalid configuration")

// =============================================================================
// Command Tree
// =============================================================================

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "stevedore",
		Short:         "Deploy compose applications to a remote host over SSH",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(
		newDeployCommand(&configPath),
		newStatusCommand(&configPath),
		newDownCommand(&configPath),
		newVersionCommand(),
	)
	return root
}

func newDeployCommand(configPath *string) *cobra.Command {
	var descriptorPath, project string

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the application and wait for it to become healthy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfigAndLogger(*configPath)
			if err != nil {
				return err
			}
			if descriptorPath != "" {
				cfg.Deploy.DescriptorPath = descriptorPath
			}
			if project != "" {
				cfg.Deploy.Project = project
			}

			d, st, err := buildDeployer(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("starting deployment",
				"version", Version,
				"project", cfg.Deploy.Project,
				"host", domain.MaskedHost(cfg.Target.Host),
			)
			result, err := d.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deployment %s succeeded (%d/%d units healthy)\n",
				result.Run.ID, result.Status.Healthy, result.Status.Total)
			printEndpoints(cmd, result.Endpoints)
			return nil
		},
	}
	cmd.Flags().StringVarP(&descriptorPath, "file", "f", "", "compose descriptor to deploy")
	cmd.Flags().StringVarP(&project, "project", "p", "", "compose project name")
	return cmd
}

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the deployed units and their states",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfigAndLogger(*configPath)
			if err != nil {
				return err
			}
			d, st, err := buildDeployer(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			status, err := d.Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-20s %-18s %s\n", "SERVICE", "STATE", "ENDPOINTS")
			for _, u := range status.Units {
				fmt.Fprintf(out, "%-20s %-18s %s\n", u.Service, u.State, strings.Join(u.Endpoints, ", "))
			}
			return nil
		},
	}
}

func newDownCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop the deployed application and remove its containers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfigAndLogger(*configPath)
			if err != nil {
				return err
			}
			d, st, err := buildDeployer(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := d.Down(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %s stopped\n", cfg.Deploy.Project)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stevedore %s (built %s)\n", Version, BuildTime)
		},
	}
}

// =============================================================================
// Assembly
// =============================================================================

func loadConfigAndLogger(configPath string) (*Config, *slog.Logger, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errBadConfig, err)
	}
	logger := SetupLogger(cfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// buildDeployer assembles the real collaborators behind one deployer. The
// returned store must be closed by the caller.
func buildDeployer(cfg *Config, logger *slog.Logger) (*deploy.Deployer, *store.SQLiteStore, error) {
	if cfg.Database.DSN != ":memory:" {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("%w: create state directory: %v", errBadConfig, err)
			}
		}
	}
	st, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errBadConfig, err)
	}

	target := domain.Target{
		Host:           cfg.Target.Host,
		Port:           cfg.Target.Port,
		User:           cfg.Target.User,
		Password:       cfg.Target.Password,
		PrivateKeyPath: cfg.Target.PrivateKeyPath,
		Passphrase:     cfg.Target.Passphrase,
	}

	mgr, err := session.NewManager(session.Config{Target: target, Logger: logger})
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	resolver := params.NewEnvResolver("STEVEDORE_PARAM_", params.NewStaticResolver(map[string]string{
		"registry.username": cfg.Registry.Username,
		"registry.password": cfg.Registry.Password,
	}))

	d, err := deploy.New(deploy.Config{
		Target:         target,
		Project:        cfg.Deploy.Project,
		DescriptorPath: cfg.Deploy.DescriptorPath,
		EnvFilePath:    cfg.Deploy.EnvFilePath,
		DeployPath:     cfg.Deploy.Path,
		RegistryServer: cfg.Registry.Server,
		HealthInterval: cfg.Deploy.HealthInterval,
		HealthTimeout:  cfg.Deploy.HealthTimeout,
		MaxConcurrent:  cfg.Deploy.MaxConcurrent,
		Logger:         logger,
	}, deploy.Deps{
		Session:   mgr,
		Transfers: transfer.NewService(mgr, logger),
		Store:     st,
		Resolver:  resolver,
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return d, st, nil
}

func printEndpoints(cmd *cobra.Command, endpoints map[string][]string) {
	if len(endpoints) == 0 {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "endpoints:")
	for service, eps := range endpoints {
		fmt.Fprintf(out, "  %s: %s\n", service, strings.Join(eps, ", "))
	}
}
