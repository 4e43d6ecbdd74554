package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"gemini-bridge/internal/config"
	"gemini-bridge/internal/logging"
	providerfactory "gemini-bridge/internal/provider/factory"
	"gemini-bridge/internal/router"
	"gemini-bridge/internal/server"
	"gemini-bridge/internal/translator"
	"gemini-bridge/internal/usage"
)

func newServeCmd() *cobra.Command {
	var (
		cfgPath      string
		overridePort int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Starts the OpenAI-compatible HTTP server. Settings come from the optional
YAML file, a .env file in the working directory, and GEMINI_BRIDGE_* environment
variables, in increasing order of precedence.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if cmd.Flags().Changed("port") {
				if overridePort <= 0 || overridePort > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
				}
				cfg.Server.Port = overridePort
			}

			logger, logCloser, err := logging.Setup(cfg.Logging)
			if err != nil {
				return err
			}
			defer logCloser.Close()

			return serve(cmd, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to YAML configuration file")
	cmd.Flags().IntVar(&overridePort, "port", 0, "override server port from configuration")
	return cmd
}

func serve(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
	if cfg.Upstream.APIKey == "" {
		logger.Warn("no Gemini API key configured, running in limited mode; completions will fail with 401")
	}

	estimator, err := usage.New(cfg.Usage.Estimator)
	if err != nil {
		return err
	}

	upstream, err := providerfactory.Build(cfg.Upstream)
	if err != nil {
		return err
	}
	defer upstream.Close()
	logger.Info("upstream ready",
		"provider", upstream.Name(),
		"models", len(upstream.Models()),
		"personas", len(upstream.Personas()),
	)

	requests := translator.NewRequestTranslator(translator.NewModelAliases(cfg.Upstream.Aliases), logger)
	responses := translator.NewResponseTranslator(estimator, cfg.Upstream.OwnedBy, logger)

	rt, err := router.New(upstream, requests, responses, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, rt, logger)
	if err != nil {
		return err
	}

	return srv.Run(cmd.Context())
}
