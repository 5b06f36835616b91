package main

import (
	"fmt"
	"io"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/result"
	"github.com/jacktea/urifs/pkg/uri"
)

func newCpCmd() *cobra.Command {
	var (
		recursive, parents bool
		overwrite          string
	)
	cmd := &cobra.Command{
		Use:   "cp <source>... <target>",
		Short: "Copy files or directories",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ow, ok := fs.ParseOverwrite(overwrite)
			if !ok {
				return fmt.Errorf("invalid --overwrite %q", overwrite)
			}
			src, dst, err := application.sourcesTarget(args)
			if err != nil {
				return err
			}
			res := application.manager.Copy(application.ctx, src, dst, fs.CopyParams{
				Recursive:   recursive,
				Overwrite:   ow,
				MakeParents: parents,
			})
			printTransfers(cmd.OutOrStdout(), res)
			return application.report("cp", res)
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "copy directories recursively")
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parent directories of the target")
	cmd.Flags().StringVar(&overwrite, "overwrite", "always", "existing target files: always|update|never")
	return cmd
}

func newMvCmd() *cobra.Command {
	var (
		parents   bool
		overwrite string
	)
	cmd := &cobra.Command{
		Use:   "mv <source>... <target>",
		Short: "Move files or directories",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ow, ok := fs.ParseOverwrite(overwrite)
			if !ok {
				return fmt.Errorf("invalid --overwrite %q", overwrite)
			}
			src, dst, err := application.sourcesTarget(args)
			if err != nil {
				return err
			}
			res := application.manager.Move(application.ctx, src, dst, fs.MoveParams{Overwrite: ow, MakeParents: parents})
			printTransfers(cmd.OutOrStdout(), res)
			return application.report("mv", res)
		},
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parent directories of the target")
	cmd.Flags().StringVar(&overwrite, "overwrite", "always", "existing target files: always|update|never")
	return cmd
}

func newRmCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm <target>...",
		Short: "Delete files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := application.parse(args...)
			if err != nil {
				return err
			}
			return application.report("rm", application.manager.Delete(application.ctx, targets, fs.DeleteParams{Recursive: recursive}))
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete directories and their contents")
	return cmd
}

func newLsCmd() *cobra.Command {
	var recursive, itself, long bool
	cmd := &cobra.Command{
		Use:   "ls <target>...",
		Short: "List directory contents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := application.parse(args...)
			if err != nil {
				return err
			}
			res := application.manager.List(application.ctx, targets, fs.ListParams{Recursive: recursive, DirectoryItself: itself})
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, infos := range res.Values() {
				for _, info := range infos {
					printInfo(tw, info, long)
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return application.report("ls", res)
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "R", false, "list subdirectories recursively")
	cmd.Flags().BoolVarP(&itself, "directory", "d", false, "list directories themselves, not their contents")
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show type, size and modification time")
	return cmd
}

func newMkdirCmd() *cobra.Command {
	var parents bool
	cmd := &cobra.Command{
		Use:   "mkdir <target>...",
		Short: "Create directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := application.parse(args...)
			if err != nil {
				return err
			}
			res := application.manager.Create(application.ctx, targets, fs.CreateParams{Dir: fs.Bool(true), MakeParents: parents})
			return application.report("mkdir", res)
		},
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parent directories")
	return cmd
}

func newTouchCmd() *cobra.Command {
	var (
		parents bool
		date    string
	)
	cmd := &cobra.Command{
		Use:   "touch <target>...",
		Short: "Create files or update their modification time",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := fs.CreateParams{MakeParents: parents}
			if date != "" {
				t, err := time.Parse(time.RFC3339, date)
				if err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
				p.LastModified = t
			}
			targets, err := application.parse(args...)
			if err != nil {
				return err
			}
			return application.report("touch", application.manager.Create(application.ctx, targets, p))
		},
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parent directories")
	cmd.Flags().StringVarP(&date, "date", "d", "", "modification time (RFC 3339) instead of now")
	return cmd
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <source>...",
		Short: "Print file contents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := application.parse(args...)
			if err != nil {
				return err
			}
			res := application.manager.Read(application.ctx, sources, fs.ReadParams{})
			for _, in := range res.Values() {
				if err := copyInput(cmd, in); err != nil {
					return err
				}
			}
			return application.report("cat", res)
		},
	}
}

func copyInput(cmd *cobra.Command, in result.Input) error {
	rc, err := in.Open(application.ctx)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(cmd.OutOrStdout(), rc)
	return err
}

func newPutCmd() *cobra.Command {
	var appending, parents bool
	cmd := &cobra.Command{
		Use:   "put <target>",
		Short: "Write stdin to the target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := application.parse(args[0])
			if err != nil {
				return err
			}
			if parents {
				res := application.manager.Create(application.ctx, target, fs.CreateParams{Dir: fs.Bool(false), MakeParents: true})
				if err := res.FirstError(); err != nil {
					return err
				}
			}
			res := application.manager.Write(application.ctx, target, fs.WriteParams{Append: appending})
			if err := application.report("put", res); err != nil {
				return err
			}
			for _, out := range res.Values() {
				if err := writeOutput(out, cmd.InOrStdin(), appending); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&appending, "append", "a", false, "append instead of replacing")
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parent directories")
	return cmd
}

func writeOutput(out result.Output, r io.Reader, appending bool) error {
	open := out.Create
	if appending {
		open = out.Append
	}
	w, err := open(application.ctx)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <target>",
		Short: "Show metadata of one path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := application.parse(args[0])
			if err != nil {
				return err
			}
			res := application.manager.Info(application.ctx, target, fs.InfoParams{})
			if err := application.report("info", res); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, info := range res.Values() {
				if info == nil {
					return fmt.Errorf("%s: not found", args[0])
				}
				fmt.Fprintf(w, "uri:      %s\n", info)
				fmt.Fprintf(w, "type:     %s\n", info.Type)
				fmt.Fprintf(w, "size:     %d\n", info.Size)
				if !info.LastModified.IsZero() {
					fmt.Fprintf(w, "modified: %s\n", info.LastModified.Format(time.RFC3339))
				}
				if info.Parent != nil {
					fmt.Fprintf(w, "parent:   %s\n", info.Parent)
				}
			}
			return nil
		},
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <pattern>...",
		Short: "Expand wildcards to the matching URIs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patterns, err := application.parse(args...)
			if err != nil {
				return err
			}
			res := application.manager.Resolve(application.ctx, patterns, fs.ResolveParams{})
			for _, matches := range res.Values() {
				for _, u := range matches {
					fmt.Fprintln(cmd.OutOrStdout(), u)
				}
			}
			return application.report("resolve", res)
		},
	}
}

// sourcesTarget parses every argument but the last as sources.
func (a *app) sourcesTarget(args []string) (uri.URI, uri.URI, error) {
	src, err := a.parse(args[:len(args)-1]...)
	if err != nil {
		return nil, nil, err
	}
	dst, err := a.parse(args[len(args)-1])
	if err != nil {
		return nil, nil, err
	}
	return src, dst, nil
}

// report logs each failed entry and returns an error when any failed.
func (a *app) report(op string, res interface {
	Fatal() error
	Errors() []error
	Len() int
}) error {
	if err := res.Fatal(); err != nil {
		return err
	}
	errs := res.Errors()
	for _, err := range errs {
		a.log.Error().Err(err).Str("op", op).Msg("failed")
	}
	switch {
	case len(errs) == 1:
		return errs[0]
	case len(errs) > 1:
		return fmt.Errorf("%s: %d of %d failed", op, len(errs), res.Len())
	}
	return nil
}

func printTransfers(w io.Writer, res *result.Result[*url.URL]) {
	for _, e := range res.Entries() {
		if e.Err == nil && e.Value != nil {
			fmt.Fprintf(w, "%s -> %s\n", e.Source, e.Value)
		}
	}
}

func printInfo(w io.Writer, info fs.Info, long bool) {
	if !long {
		fmt.Fprintln(w, info)
		return
	}
	modified := "-"
	if !info.LastModified.IsZero() {
		modified = info.LastModified.Format(time.RFC3339)
	}
	fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", info.Type, info.Size, modified, info)
}
