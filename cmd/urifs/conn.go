package main

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jacktea/urifs/pkg/connstore"
)

func newConnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conn",
		Short: "Manage named connections used for ftp, sftp and s3 credentials",
	}
	cmd.AddCommand(newConnAddCmd(), newConnRmCmd(), newConnLsCmd())
	return cmd
}

func newConnAddCmd() *cobra.Command {
	var (
		password, keyFile string
		options           map[string]string
	)
	cmd := &cobra.Command{
		Use:   "add <name> <scheme://[user@]host[:port]>",
		Short: "Save credentials for a server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := parseConnection(args[0], args[1])
			if err != nil {
				return err
			}
			if password != "" {
				c.Password = password
			}
			c.KeyFile = keyFile
			c.Options = options
			return application.conns.Put(application.ctx, c)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password or S3 secret key")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "private key file for sftp")
	cmd.Flags().StringToStringVar(&options, "option", nil, "extra key=value options (repeatable)")
	return cmd
}

// parseConnection reads scheme, user, password and host from raw.
func parseConnection(name, raw string) (connstore.Connection, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return connstore.Connection{}, fmt.Errorf("connection address: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return connstore.Connection{}, fmt.Errorf("connection address %q needs a scheme and host", raw)
	}
	c := connstore.Connection{Name: name, Scheme: u.Scheme, Host: u.Host}
	if u.User != nil {
		c.User = u.User.Username()
		c.Password, _ = u.User.Password()
	}
	return c, nil
}

func newConnRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>...",
		Short: "Delete saved connections",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				if err := application.conns.Delete(application.ctx, name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newConnLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List saved connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conns, err := application.conns.List(application.ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, c := range conns {
				keys := make([]string, 0, len(c.Options))
				for k := range c.Options {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Key(), strings.Join(keys, ","))
			}
			return tw.Flush()
		},
	}
}
