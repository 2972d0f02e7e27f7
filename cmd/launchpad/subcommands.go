package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/launchpad/internal/client"
	core "github.com/3cpo-dev/launchpad/internal/core"
	"github.com/3cpo-dev/launchpad/internal/events"
	prov "github.com/3cpo-dev/launchpad/internal/providers"
	gssh "github.com/3cpo-dev/launchpad/internal/ssh"
	"github.com/3cpo-dev/launchpad/pkg/api"
)

func loadConfig(cmd *cobra.Command) (prov.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// Resolve the agent client; the token comes from config or LAUNCHPAD_AGENT_TOKEN.
func resolveClient(cmd *cobra.Command) (*client.Client, prov.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, err
	}
	base, _ := cmd.Flags().GetString("agent")
	return client.New(base, cfg.Agent.Token), cfg, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func printStatus(st api.TargetStatus) {
	pid := "-"
	if st.PID > 0 {
		pid = fmt.Sprint(st.PID)
	}
	fmt.Printf("%s\t%s\tpid=%s\tstarted=%s\tready=%s\tlaunches=%d", st.Name, st.Status, pid, formatTime(st.StartedAt), formatTime(st.ReadyAt), st.Launches)
	if st.Error != "" {
		fmt.Printf("\terror=%s", st.Error)
	}
	fmt.Println()
}

// Start a target through the agent
func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [target]",
		Short: "Start a catalog target (default target when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetBool("wait")
			c, cfg, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			target := cfg.Agent.DefaultTarget
			if len(args) == 1 {
				target = args[0]
			}
			resp, err := c.Launch(cmd.Context(), target, wait)
			if err != nil {
				return err
			}
			log.Debug().Str("launch_id", resp.LaunchID).Msg("launch accepted")
			fmt.Printf("%s\t%s\t%s\n", resp.Target, resp.Outcome, resp.Message)
			return nil
		},
	}
	cmd.Flags().Bool("wait", false, "wait until the target is ready or failed")
	return cmd
}

// Stop a target
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <target>",
		Short: "Stop a running target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			st, err := c.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(st)
			return nil
		},
	}
}

// Show target state
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [target]",
		Short: "Show the state of every target, or of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				st, err := c.TargetStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printStatus(st)
				return nil
			}
			resp, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, st := range resp.Targets {
				printStatus(st)
			}
			return nil
		},
	}
}

// List dashboards served by the agent
func newDashboardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboards",
		Short: "List recommendation dashboards",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			ds, err := c.Dashboards(cmd.Context())
			if err != nil {
				return err
			}
			for _, d := range ds {
				fmt.Printf("%s\t%s\t%s\n", d.Name, d.Title, d.URL)
			}
			return nil
		},
	}
}

// List the catalog from config
func newTargetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List the configured target catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			for _, t := range cfg.Targets {
				marker := ""
				if t.Name == cfg.Agent.DefaultTarget {
					marker = " (default)"
				}
				where := t.Provider()
				if t.Host != "" {
					where += ":" + t.Host
				}
				fmt.Printf("%s%s\t%s\t%s\n", t.Name, marker, where, strings.Join(t.Command, " "))
			}
			return nil
		},
	}
}

// Launch history from the store
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded launches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("target")
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.Driver == "" || cfg.Store.Driver == "none" {
				return fmt.Errorf("history store is disabled in config")
			}
			store, err := core.NewStore(cfg.Store.Driver, cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer store.Close()
			recs, err := store.ListLaunches(cmd.Context(), target, limit)
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Printf("%s\t%s\t%s\t%s\tpid=%d\t%s\n", r.CreatedAt.Local().Format(time.RFC3339), r.ID, r.Target, r.Outcome, r.PID, r.Message)
			}
			return nil
		},
	}
	cmd.Flags().String("target", "", "only this target")
	cmd.Flags().Int("limit", 50, "maximum number of records")
	return cmd
}

// Recent state changes kept in redis
func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent target state changes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt64("limit")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Events.RedisAddr == "" {
				return fmt.Errorf("events.redis_addr is not configured")
			}
			r := events.NewRedis(cfg.Events.RedisAddr, cfg.Events.Password, cfg.Events.DB, cfg.Events.Channel)
			defer r.Close()
			evs, err := r.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range evs {
				fmt.Println(formatEvent(e))
			}
			return nil
		},
	}
	cmd.Flags().Int64("limit", 20, "maximum number of events")
	return cmd
}

func formatEvent(e events.Event) string {
	line := fmt.Sprintf("%s\t%s\t%s", e.Time.Local().Format(time.RFC3339), e.Target, e.Status)
	if e.PID > 0 {
		line += fmt.Sprintf("\tpid=%d", e.PID)
	}
	if e.Error != "" {
		line += "\terror=" + e.Error
	}
	return line
}

// Initialize configuration and SSH material
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "launchpad initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = core.DefaultConfigPath()
			}
			written, err := core.WriteDefaultConfig(path)
			if err != nil {
				return err
			}
			if written {
				fmt.Printf("wrote default config to %s\n", path)
			} else {
				fmt.Printf("config already present at %s\n", path)
			}

			cfg, err := core.LoadConfig(path)
			if err != nil {
				return err
			}
			keyPath := filepath.Join(cfg.SSH.KeyDir, "id_ed25519")
			if _, err := os.Stat(keyPath); os.IsNotExist(err) {
				pub, err := gssh.GenerateEd25519Keypair(keyPath)
				if err != nil {
					return err
				}
				fmt.Printf("generated SSH key %s\n%s\n", keyPath, strings.TrimSpace(pub))
			}
			if err := gssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
				return err
			}
			fmt.Printf("known_hosts at %s\n", cfg.SSH.KnownHosts)
			return nil
		},
	}
}

// Pin a remote host key
func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <host> <authorized-key>",
		Short: "Add a configured host's public key to known_hosts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			h, ok := cfg.Host(args[0])
			if !ok {
				return fmt.Errorf("host not configured: %s", args[0])
			}
			port := h.Port
			if port == 0 {
				port = cfg.Defaults.SSHPort
			}
			if err := gssh.TrustHost(cfg.SSH.KnownHosts, h.IP, port, args[1]); err != nil {
				return err
			}
			fmt.Printf("trusted %s (%s:%d)\n", h.Name, h.IP, port)
			return nil
		},
	}
}

// Generate shell completion scripts
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion scripts",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			root := cmd.Root()
			switch args[0] {
			case "bash":
				return root.GenBashCompletionV2(os.Stdout, true)
			case "zsh":
				return root.GenZshCompletion(os.Stdout)
			case "fish":
				return root.GenFishCompletion(os.Stdout, true)
			default:
				return root.GenPowerShellCompletionWithDesc(os.Stdout)
			}
		},
	}
}
