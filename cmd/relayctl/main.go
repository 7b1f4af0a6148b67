package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-relay"
	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/glimte/mmate-relay/topology"
	rabbitmqTransport "github.com/glimte/mmate-relay/transports/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "relayctl",
		Short: "Operate the mmate relay",
		Long: `relayctl checks broker health, declares the configured topology,
publishes messages and inspects the dead-letter queue.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	load := func() (config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, nil, err
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		return cfg, config.NewLogger(cfg.Log, os.Stderr), nil
	}

	rootCmd.AddCommand(
		newHealthCommand(load),
		newTopologyCommand(load),
		newPublishCommand(load),
		newDLQCommand(load),
		newServeCommand(load),
	)
	return rootCmd
}

type loader func() (config.Config, *slog.Logger, error)

func connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (*rabbitmqTransport.Transport, error) {
	return rabbitmqTransport.NewTransport(ctx, cfg.Broker.URL(),
		rabbitmqTransport.WithTransportLogger(logger),
		rabbitmqTransport.WithConnectionOptions(
			rabbitmq.WithConnectionTimeout(cfg.Broker.ConnectionTimeout),
			rabbitmq.WithMaxRetries(0),
		),
	)
}

func newHealthCommand(load loader) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check broker reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			probe := health.NewProbe(cfg.Broker.URL(),
				health.WithProbeTimeout(timeout),
				health.WithProbeLogger(logger))
			result := probe.CheckHealth(cmd.Context())

			printHealth(cmd, cfg, result)
			if result.Status == health.StatusUnhealthy {
				return fmt.Errorf("%s is %s", health.CheckName, result.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Probe timeout")
	return cmd
}

func newTopologyCommand(load loader) *cobra.Command {
	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Inspect and declare the configured topology",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the configured exchanges, queues and dead-letter pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			desc, err := topology.FromConfig(cfg)
			if err != nil {
				return err
			}
			printTopology(cmd, desc)
			return nil
		},
	}

	declareCmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare the configured topology on the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			desc, err := topology.FromConfig(cfg)
			if err != nil {
				return err
			}

			transport, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer transport.Close()

			if err := transport.DeclareTopology(cmd.Context(), desc); err != nil {
				return fmt.Errorf("failed to declare topology: %w", err)
			}
			cmd.Printf("Declared %d exchanges and %d queues\n", len(desc.Exchanges()), len(desc.Queues()))
			return nil
		},
	}

	topologyCmd.AddCommand(showCmd, declareCmd)
	return topologyCmd
}

func newPublishCommand(load loader) *cobra.Command {
	var (
		exchange      string
		routingKey    string
		correlationID string
		transient     bool
	)
	cmd := &cobra.Command{
		Use:   "publish <message-type> <json-payload>",
		Short: "Publish a JSON payload as a message of the given type",
		Long: `Publish wraps the payload in an envelope and publishes it with broker
confirmation. Without --exchange the configured route for the type is used.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			env, err := rawEnvelope(args[0], []byte(args[1]), correlationID)
			if err != nil {
				return err
			}

			client, err := mmate.NewClient(cmd.Context(), cfg,
				mmate.WithLogger(logger),
				mmate.WithTopologyDeclaration(false))
			if err != nil {
				return err
			}
			defer client.Close()

			if exchange == "" && routingKey == "" {
				route := client.Topology().Route(env.Type)
				exchange, routingKey = route.Exchange, route.RoutingKey
			}
			if routingKey == "" {
				routingKey = env.Type
			}

			opts := []messaging.PublishOption{messaging.WithPersistent(!transient)}
			if err := client.Publisher().PublishEnvelope(cmd.Context(), env, exchange, routingKey, opts...); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			cmd.Printf("Published %s %s to %q with key %q (correlation %s)\n",
				env.Type, env.ID, exchange, routingKey, env.CorrelationID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Target exchange")
	cmd.Flags().StringVarP(&routingKey, "routing-key", "k", "", "Routing key")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation ID; generated when empty")
	cmd.Flags().BoolVar(&transient, "transient", false, "Publish without persistence")
	return cmd
}

func newDLQCommand(load loader) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead-letter queue",
	}

	var peekCount int
	peekCmd := &cobra.Command{
		Use:   "peek",
		Short: "Show dead-lettered messages without consuming them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if !cfg.DeadLetter.Enabled {
				return errors.New("dead-lettering is disabled in the configuration")
			}

			transport, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer transport.Close()

			messages, err := transport.Peek(cmd.Context(), cfg.DeadLetter.Queue, peekCount)
			if err != nil {
				return fmt.Errorf("failed to peek messages: %w", err)
			}
			printDeadLetters(cmd, cfg.DeadLetter.Queue, messages)
			return nil
		},
	}
	peekCmd.Flags().IntVarP(&peekCount, "count", "n", 10, "Number of messages to peek")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the dead-letter queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			transport, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer transport.Close()

			q, err := transport.QueueInfo(cmd.Context(), cfg.DeadLetter.Queue)
			if err != nil {
				return err
			}
			cmd.Printf("%-40s %-10s %-10s\n", "DLQ Name", "Messages", "Consumers")
			cmd.Println(strings.Repeat("-", 62))
			cmd.Printf("%-40s %-10d %-10d\n", truncate(q.Name, 40), q.Messages, q.Consumers)
			return nil
		},
	}

	dlqCmd.AddCommand(peekCmd, statsCmd)
	return dlqCmd
}

func newServeCommand(load loader) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health and metrics endpoints until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := mmate.NewClient(ctx, cfg, mmate.WithLogger(logger), mmate.WithMetrics(nil))
			if err != nil {
				return err
			}
			defer client.Close()

			mux := http.NewServeMux()
			mux.Handle("/health", client.HealthHandler())
			mux.Handle("/ready", health.ReadinessHandler(client.Health(), cfg.Broker.RequestTimeout))
			mux.Handle("/live", health.LivenessHandler())
			mux.Handle("/metrics", promhttp.Handler())

			server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			logger.Info("serving health endpoints", "addr", listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", ":9090", "Listen address")
	return cmd
}
