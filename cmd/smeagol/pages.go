package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"smeagol/client"
	"smeagol/internal/diff"
	"smeagol/internal/history"
	"smeagol/internal/validation"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := opts.openWiki(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, p := range w.Snapshot().Pages() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Slug, p.Commit.String()[:7], p.Modified.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}

func newCatCmd(opts *options) *cobra.Command {
	var rev string
	cmd := &cobra.Command{
		Use:   "cat <slug>",
		Short: "Print a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := opts.openWiki(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			commit, err := w.Resolve(rev)
			if err != nil {
				return err
			}
			content, err := w.Read(history.Ref{Slug: args[0], Commit: commit})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(content)
			return err
		},
	}
	cmd.Flags().StringVar(&rev, "rev", "", "commit to read from (default: head)")
	return cmd
}

func newLogCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log <slug>",
		Short: "Show the revisions of a page, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := opts.openWiki(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			yellow := color.New(color.FgYellow).SprintFunc()
			blue := color.New(color.FgBlue).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()

			out := cmd.OutOrStdout()
			n := 0
			for rev, err := range w.History(cmd.Context(), args[0]) {
				if err != nil {
					return err
				}
				line := fmt.Sprintf("%s %s %s",
					yellow(rev.Commit.ID.String()[:7]),
					rev.Commit.When.Format("2006-01-02 15:04"),
					firstLine(rev.Commit.Message),
				)
				switch {
				case rev.Deleted:
					line += " " + red("(deleted)")
				case rev.RenamedFrom != "":
					line += " " + blue("(renamed from "+rev.RenamedFrom+")")
				}
				fmt.Fprintf(out, "%s  <%s>\n", line, rev.Commit.Author)

				if n++; limit > 0 && n == limit {
					break
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most this many revisions")
	return cmd
}

func newDiffCmd(opts *options) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "diff <slug>",
		Short: "Show changes to a page between two commits",
		Long: `Show a unified diff of a page. --to defaults to the head and --from to the
first parent of --to.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := opts.openWiki(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			b, err := w.Resolve(to)
			if err != nil {
				return err
			}
			a := b
			if from != "" {
				if a, err = w.Resolve(from); err != nil {
					return err
				}
			} else {
				info, err := w.Commit(b)
				if err != nil {
					return err
				}
				if len(info.Parents) > 0 {
					a = info.Parents[0]
				}
			}

			result, err := w.Diff(args[0], a, b)
			if err != nil {
				return err
			}
			printDiff(cmd.OutOrStdout(), args[0], result)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "old commit")
	cmd.Flags().StringVar(&to, "to", "", "new commit (default: head)")
	return cmd
}

func printDiff(out io.Writer, slug string, result *diff.DiffResult) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()

	for _, line := range strings.SplitAfter(result.Unified("a/"+slug, "b/"+slug), "\n") {
		switch {
		case line == "":
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
			fmt.Fprint(out, bold(line))
		case strings.HasPrefix(line, "@@"):
			fmt.Fprint(out, cyan(line))
		case strings.HasPrefix(line, "+"):
			fmt.Fprint(out, green(line))
		case strings.HasPrefix(line, "-"):
			fmt.Fprint(out, red(line))
		default:
			fmt.Fprint(out, line)
		}
	}
}

func newPutCmd(opts *options) *cobra.Command {
	var message, base string
	cmd := &cobra.Command{
		Use:   "put <slug> [file]",
		Short: "Write a page through a running server",
		Long: `Write a page from a file, or from standard input when no file (or "-") is
given. Without --base the edit is based on the server's current head.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			var err error
			if len(args) == 2 && args[1] != "-" {
				content, err = os.ReadFile(args[1])
			} else {
				content, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("reading content: %w", err)
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			if base == "" {
				health, err := c.Health(cmd.Context())
				if err != nil {
					return err
				}
				base = health.Head
			}

			res, err := c.PutPage(cmd.Context(), args[0], validation.EditRequest{
				Content: string(content),
				Base:    base,
				Message: message,
			})
			if err != nil {
				return err
			}
			if res.Unchanged {
				fmt.Fprintf(cmd.OutOrStdout(), "%s unchanged\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", res.Commit[:7], args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringVar(&base, "base", "", "revision the edit is based on")
	return cmd
}

func newRmCmd(opts *options) *cobra.Command {
	var message, base string
	cmd := &cobra.Command{
		Use:   "rm <slug>",
		Short: "Delete a page through a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if base == "" {
				health, err := c.Health(cmd.Context())
				if err != nil {
					return err
				}
				base = health.Head
			}

			res, err := c.DeletePage(cmd.Context(), args[0], base, message)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s deleted %s\n", res.Commit[:7], args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringVar(&base, "base", "", "revision the deletion is based on")
	return cmd
}

// client addresses --server, or the configured bind address.
func (o *options) client() (*client.Client, error) {
	if o.server != "" {
		return client.New(o.server), nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New("http://" + cfg.Server.Bind), nil
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	return s
}
