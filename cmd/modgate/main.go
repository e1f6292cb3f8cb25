// Package main provides the modgate operator CLI. It talks to a running
// daemon over the control socket.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/icebiz/modgate/internal/access"
	"github.com/icebiz/modgate/internal/config"
	"github.com/icebiz/modgate/internal/vault"
	"github.com/icebiz/modgate/pkg/sdk"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	addr       string
	disableTLS bool
}

func (g *globalFlags) connect() (*sdk.Client, error) {
	client, err := sdk.ConnectWith(g.addr, sdk.Options{DisableTLS: g.disableTLS})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", g.addr, err)
	}
	return client, nil
}

// withClient runs fn against a fresh connection and prints its result.
func (g *globalFlags) withClient(fn func(c *sdk.Client) (any, error)) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := g.connect()
		if err != nil {
			return err
		}
		defer client.Close()
		out, err := fn(client)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "modgate",
		Short:         "Operate the module permission gate",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `modgate edits which groups may use which portal modules.

Every change goes through the daemon, which updates the mapping document and
the groups' native permission grants together.`,
	}

	disable, _ := strconv.ParseBool(os.Getenv("MODGATE_DISABLE_TLS"))
	cmd.PersistentFlags().StringVar(&g.addr, "addr", config.GetEnv("MODGATE_CONTROL_ADDR", "127.0.0.1:7101"), "Control socket address")
	cmd.PersistentFlags().BoolVar(&g.disableTLS, "disable-tls", disable, "Dial the control socket without TLS")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ping",
			Short: "Check that the daemon answers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := g.connect()
				if err != nil {
					return err
				}
				defer client.Close()
				if err := client.Ping(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "PONG")
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print the group-module mapping",
			Args:  cobra.NoArgs,
			RunE: g.withClient(func(c *sdk.Client) (any, error) {
				return c.ListModules()
			}),
		},
		&cobra.Command{
			Use:   "seq",
			Short: "Print the mapping sequence number",
			Args:  cobra.NoArgs,
			RunE: g.withClient(func(c *sdk.Client) (any, error) {
				return c.Seq()
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the admin state, dirty flag and pending groups",
			Args:  cobra.NoArgs,
			RunE: g.withClient(func(c *sdk.Client) (any, error) {
				return c.Status()
			}),
		},
		updateCmd(g),
		&cobra.Command{
			Use:   "delete-group <group>",
			Short: "Remove a group from every module",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.withClient(func(c *sdk.Client) (any, error) {
					return c.DeleteGroup(args[0])
				})(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Repair every group's native grants",
			Args:  cobra.NoArgs,
			RunE: g.withClient(func(c *sdk.Client) (any, error) {
				return c.Reconcile()
			}),
		},
		&cobra.Command{
			Use:   "flush",
			Short: "Write unpersisted changes to the document",
			Args:  cobra.NoArgs,
			RunE: g.withClient(func(c *sdk.Client) (any, error) {
				return map[string]string{"status": "success"}, c.Flush()
			}),
		},
		sealCmd(),
		tokenCmd(),
	)

	return cmd
}

func updateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "update <group> <module>=<on|off>...",
		Short: "Set a group's membership in one or more modules",
		Example: `  modgate update Sales sales=on buyers=on
  modgate update "HR Payrol" attendance=off`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			modules, err := parseMemberships(args[1:])
			if err != nil {
				return err
			}
			return g.withClient(func(c *sdk.Client) (any, error) {
				return c.UpdateGroupModules(args[0], modules)
			})(cmd, args)
		},
	}
}

// parseMemberships reads "module=on" style arguments.
func parseMemberships(args []string) (map[string]bool, error) {
	out := make(map[string]bool, len(args))
	for _, arg := range args {
		mod, raw, ok := strings.Cut(arg, "=")
		if !ok || mod == "" {
			return nil, fmt.Errorf("expected <module>=<on|off>, got %q", arg)
		}
		var member bool
		switch strings.ToLower(raw) {
		case "on", "yes":
			member = true
		case "off", "no":
			member = false
		default:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %q is not on or off", mod, raw)
			}
			member = b
		}
		out[mod] = member
	}
	return out, nil
}

func sealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal <value>",
		Short: "Encrypt a secret for the config file with MODGATE_VAULT_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.ParseKey(os.Getenv("MODGATE_VAULT_KEY"))
			if err != nil {
				return err
			}
			sealed, err := vault.Seal(args[0], key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		subject   string
		groups    []string
		superuser bool
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with MODGATE_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parser := access.NewTokenParser(os.Getenv("MODGATE_JWT_SECRET"))
			if !parser.Enabled() {
				return fmt.Errorf("MODGATE_JWT_SECRET is not set")
			}
			raw, err := parser.Issue(access.Caller{ID: subject, Groups: groups, Superuser: superuser}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().StringSliceVar(&groups, "group", nil, "Group membership (repeatable)")
	cmd.Flags().BoolVar(&superuser, "superuser", false, "Mark the caller as superuser")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(b))
	return nil
}
