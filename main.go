package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/edsky/tianyi-api/cmd/replacer"
	"github.com/edsky/tianyi-api/pkg/config"
	"github.com/edsky/tianyi-api/pkg/rules"
	"github.com/edsky/tianyi-api/pkg/tianyi"
)

var (
	cfg        = config.Config{}
	configFile string
)

var rootCmd = &cobra.Command{
	Use:           "tianyi [command]",
	Short:         "Admin client for the Tianyi home gateway",
	Long:          `Reads and mutates a Tianyi gateway's NAT forwarding table through its web admin interface`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load configuration (env vars first, then defaults)
		cfg.Load()

		if configFile != "" {
			if err := cfg.LoadFile(configFile); err != nil {
				return err
			}
		}

		// Override with CLI flags if they were explicitly set
		if cmd.Flags().Changed("router-ip") {
			cfg.RouterIP, _ = cmd.Flags().GetString("router-ip")
		}
		if cmd.Flags().Changed("username") {
			cfg.Username, _ = cmd.Flags().GetString("username")
		}
		if cmd.Flags().Changed("password") {
			cfg.Password, _ = cmd.Flags().GetString("password")
		}
		if cmd.Flags().Changed("proxy-url") {
			cfg.ProxyURL, _ = cmd.Flags().GetString("proxy-url")
		}
		if cmd.Flags().Changed("debug") {
			cfg.Debug, _ = cmd.Flags().GetBool("debug")
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
		}
		cfg.SetDerivedValues()

		// Validate final configuration
		return cfg.Validate()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfg.RouterIP, "router-ip", "r", "192.168.1.1", "Gateway IP address (env: TIANYI_ROUTER_IP, default: 192.168.1.1)")
	rootCmd.PersistentFlags().StringVarP(&cfg.Username, "username", "u", "useradmin", "Admin username (env: TIANYI_USERNAME, default: useradmin)")
	rootCmd.PersistentFlags().StringVarP(&cfg.Password, "password", "p", "", "Admin password (env: TIANYI_PASSWORD, required)")
	rootCmd.PersistentFlags().StringVar(&cfg.ProxyURL, "proxy-url", "", "HTTP proxy for gateway traffic (env: TIANYI_PROXY_URL)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML/JSON config file")
	rootCmd.PersistentFlags().BoolVarP(&cfg.Debug, "debug", "d", false, "Enable debug logging (env: DEBUG)")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error (env: LOG_LEVEL)")

	rootCmd.AddCommand(publicIPCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(replaceCmd)

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesRemoveCmd)
	rulesCmd.AddCommand(rulesEnableCmd)
	rulesCmd.AddCommand(rulesDisableCmd)

	rulesAddCmd.Flags().String("name", "", "Rule name [REQUIRED]")
	rulesAddCmd.Flags().String("protocol", "TCP", "Protocol: TCP, UDP or BOTH")
	rulesAddCmd.Flags().Int("external-port", 0, "External port [REQUIRED]")
	rulesAddCmd.Flags().String("internal-ip", "", "Internal client IP [REQUIRED]")
	rulesAddCmd.Flags().Int("internal-port", 0, "Internal port [REQUIRED]")
}

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func Execute() error {
	return rootCmd.Execute()
}

// newContext builds the command context with a structured logger attached.
func newContext() context.Context {
	level := slog.LevelInfo
	if cfg.Debug || cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := logr.FromSlogHandler(handler)
	return logr.NewContext(context.Background(), logger)
}

// withClient runs fn against a logged-in client and logs out afterwards.
func withClient(fn func(ctx context.Context, client *tianyi.Client) error) error {
	ctx := newContext()

	client, err := tianyi.NewBuilder().
		IP(cfg.RouterIP).
		Username(cfg.Username).
		Password(cfg.Password).
		Timeout(cfg.Timeout).
		Proxy(cfg.ProxyURL).
		VerifyAttempts(cfg.VerifyAttempts).
		Concurrency(cfg.ReplaceConcurrency).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	if err := client.Login(ctx); err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	defer func() {
		if err := client.Logout(ctx); err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "logout failed")
		}
	}()

	return fn(ctx, client)
}

func printYAML(value any) error {
	out, err := yaml.Marshal(value)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

var publicIPCmd = &cobra.Command{
	Use:   "public-ip",
	Short: "Print the gateway's current public IP address",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *tianyi.Client) error {
			record, err := client.PublicIP(ctx)
			if err != nil {
				return err
			}
			fmt.Println(record.Address)
			return nil
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print gateway model and firmware information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *tianyi.Client) error {
			info, err := client.GatewayInfo(ctx)
			if err != nil {
				return err
			}
			return printYAML(info)
		})
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and mutate the forwarding rule table",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the current forwarding rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *tianyi.Client) error {
			table, err := client.ListRules(ctx)
			if err != nil {
				return err
			}
			return printYAML(table)
		})
	},
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a forwarding rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		protocolArg, _ := cmd.Flags().GetString("protocol")
		externalPort, _ := cmd.Flags().GetInt("external-port")
		internalIP, _ := cmd.Flags().GetString("internal-ip")
		internalPort, _ := cmd.Flags().GetInt("internal-port")

		if name == "" || externalPort == 0 || internalIP == "" || internalPort == 0 {
			return fmt.Errorf("--name, --external-port, --internal-ip and --internal-port are required")
		}
		protocol, err := rules.NormalizeProtocol(protocolArg)
		if err != nil {
			var protocolErr *rules.ProtocolValidationError
			if errors.As(err, &protocolErr) {
				return errors.New(protocolErr.DetailedMessage())
			}
			return err
		}

		return withClient(func(ctx context.Context, client *tianyi.Client) error {
			added, err := client.AddRule(ctx, rules.Draft{
				Name:         name,
				Protocol:     protocol,
				ExternalPort: externalPort,
				InternalIP:   internalIP,
				InternalPort: internalPort,
				Enabled:      true,
			})
			if err != nil {
				return err
			}
			return printYAML(added)
		})
	},
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a forwarding rule by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *tianyi.Client) error {
			return client.RemoveRule(ctx, args[0])
		})
	},
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a forwarding rule by id",
	Args:  cobra.ExactArgs(1),
	RunE:  setEnabledRunE(true),
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a forwarding rule by id",
	Args:  cobra.ExactArgs(1),
	RunE:  setEnabledRunE(false),
}

func setEnabledRunE(enabled bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *tianyi.Client) error {
			return client.SetRuleEnabled(ctx, args[0], enabled)
		})
	}
}

var replaceCmd = &cobra.Command{
	Use:   "replace <old-ip> <new-ip>",
	Short: "Rebind every enabled forwarding rule from one internal IP to another",
	Long:  `Creates an equivalent rule bound to the new IP before removing each old rule, verifying every step, and reports a structured outcome`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		replaceConfig := replacer.Config{
			RouterIP:       cfg.RouterIP,
			Username:       cfg.Username,
			Password:       cfg.Password,
			ProxyURL:       cfg.ProxyURL,
			Timeout:        cfg.Timeout,
			VerifyAttempts: cfg.VerifyAttempts,
			Concurrency:    cfg.ReplaceConcurrency,
		}
		outcome, err := replacer.Run(newContext(), replaceConfig, args[0], args[1])
		if err != nil {
			return err
		}
		if err := printYAML(outcome); err != nil {
			return err
		}
		if outcome.Kind == rules.PartialSuccess {
			return fmt.Errorf("replace partially succeeded: %s duplicated, %s unreplaced - manual review needed",
				strconv.Itoa(len(outcome.Duplicated)), strconv.Itoa(len(outcome.Unreplaced)))
		}
		return nil
	},
}
