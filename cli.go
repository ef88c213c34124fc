package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"meetrelay/internal/audit"
	"meetrelay/internal/config"
	"meetrelay/internal/creds"
)

// runCLI builds the admin command tree (spec C9) and, if args names one of
// its subcommands, executes it and reports handled=true. A bare server
// invocation (no args, or args the tree doesn't recognize as one of its
// subcommands) returns handled=false so main proceeds to the normal
// flag-parsing server-start path.
func runCLI(args []string) (handled bool, err error) {
	var credsFile, auditDB string

	root := &cobra.Command{
		Use:           "meetrelay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&credsFile, "creds-file", config.Defaults().CredsFile, "path to the credential JSON file")
	root.PersistentFlags().StringVar(&auditDB, "audit-db", config.Defaults().AuditDB, "path to the moderation audit/ban SQLite file")

	root.AddCommand(
		useraddCmd(&credsFile),
		userdelCmd(&credsFile),
		userlsCmd(&credsFile),
		banCmd(&auditDB),
		unbanCmd(&auditDB),
		auditlogCmd(&auditDB),
	)

	// Only take over when the first argument names one of our
	// subcommands; anything else (including "--tcp-port", "-h", or no
	// args) falls through to the server's own flag parsing.
	if len(args) == 0 {
		return false, nil
	}
	for _, c := range root.Commands() {
		if c.Name() == args[0] {
			root.SetArgs(args)
			return true, root.Execute()
		}
	}
	return false, nil
}

func useraddCmd(credsFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "useradd <username> <password>",
		Short: "create a new user credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := creds.Open(*credsFile)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Add(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("created user %q\n", args[0])
			return nil
		},
	}
}

func userdelCmd(credsFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "userdel <username>",
		Short: "remove a user credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := creds.Open(*credsFile)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Remove(args[0]); err != nil {
				return err
			}
			fmt.Printf("removed user %q\n", args[0])
			return nil
		},
	}
}

func userlsCmd(credsFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "userls",
		Short: "list user credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := creds.Open(*credsFile)
			if err != nil {
				return err
			}
			defer s.Close()
			for _, e := range s.List() {
				fmt.Printf("%s\tcreated=%s\n", e.Username, time.Unix(e.CreatedAt, 0).Format(time.RFC3339))
			}
			return nil
		},
	}
}

func banCmd(auditDB *string) *cobra.Command {
	var reason, bannedBy, duration string
	cmd := &cobra.Command{
		Use:   "ban <username|ip>",
		Short: "ban a username or IP (permanent unless --duration is set)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := audit.Open(*auditDB)
			if err != nil {
				return err
			}
			defer s.Close()
			var d time.Duration
			if duration != "" {
				d, err = time.ParseDuration(duration)
				if err != nil {
					return fmt.Errorf("invalid --duration: %w", err)
				}
			}
			if bannedBy == "" {
				bannedBy = "cli"
			}
			id, err := s.Ban(args[0], reason, bannedBy, d)
			if err != nil {
				return err
			}
			if err := s.LogAction(bannedBy, "ban", args[0], reason); err != nil {
				fmt.Fprintf(os.Stderr, "warning: audit log: %v\n", err)
			}
			fmt.Printf("banned %q (ban id %d)\n", args[0], id)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "ban reason")
	cmd.Flags().StringVar(&bannedBy, "by", "", "name of the operator issuing the ban")
	cmd.Flags().StringVar(&duration, "duration", "", "ban duration (e.g. 24h); empty means permanent")
	return cmd
}

func unbanCmd(auditDB *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unban <ban-id>",
		Short: "remove a ban by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid ban id: %w", err)
			}
			s, err := audit.Open(*auditDB)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Unban(id); err != nil {
				return err
			}
			if err := s.LogAction("cli", "unban", args[0], ""); err != nil {
				fmt.Fprintf(os.Stderr, "warning: audit log: %v\n", err)
			}
			fmt.Printf("removed ban %d\n", id)
			return nil
		},
	}
}

func auditlogCmd(auditDB *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "auditlog",
		Short: "show recent administrative actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := audit.Open(*auditDB)
			if err != nil {
				return err
			}
			defer s.Close()
			recs, err := s.RecentActions(limit)
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Printf("%s  %-8s actor=%-12s target=%-12s %s\n",
					time.UnixMilli(r.TS).Format(time.RFC3339), r.Action, r.Actor, r.Target, r.Details)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of records to show")
	return cmd
}
