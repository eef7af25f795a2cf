package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/onexay/revcache/internal/diffparse"
	"github.com/onexay/revcache/internal/types"
)

const (
	defaultAPI = "http://localhost:8080"
)

var (
	apiURL   string
	dumpJSON bool
)

func main() {
	root := &cobra.Command{
		Use:           "revcache-admin",
		Short:         "Query a revcache server and parse diffs locally",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiURL, "api", envDefault("REVCACHE_API", defaultAPI), "Base URL of the revcache REST API")
	root.PersistentFlags().BoolVar(&dumpJSON, "json", false, "Output JSON instead of table")

	root.AddCommand(revisionCmd(), branchesCmd(), findCmd(), parseCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func revisionCmd() *cobra.Command {
	var branch, locale string
	var refresh bool
	cmd := &cobra.Command{
		Use:   "revision <changeset>",
		Short: "Resolve a changeset on a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{"changeset": {args[0]}}
			if branch != "" {
				query.Set("branch", branch)
			}
			if locale != "" {
				query.Set("locale", locale)
			}
			if refresh {
				query.Set("refresh", "true")
			}
			var rev types.Revision
			if err := getJSON("/api/v1/revisions?"+query.Encode(), &rev); err != nil {
				return err
			}
			if dumpJSON {
				return printJSON(rev)
			}
			cs := rev.Changeset
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Changeset\t%s\n", cs.ID)
			fmt.Fprintf(tw, "Branch\t%s (%s)\n", rev.Branch.Name, rev.Branch.Locale)
			fmt.Fprintf(tw, "Author\t%s\n", cs.Author)
			fmt.Fprintf(tw, "Date\t%s\n", cs.Date.Format(time.RFC3339))
			fmt.Fprintf(tw, "Push\t%d by %s\n", rev.Push.ID, rev.Push.User)
			if cs.BugID != 0 {
				fmt.Fprintf(tw, "Bug\t%d\n", cs.BugID)
			}
			fmt.Fprintf(tw, "Files\t%d changed\n", len(cs.Diff))
			fmt.Fprintf(tw, "Description\t%s\n", firstLine(cs.Description))
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "Branch name (scans every branch when empty)")
	cmd.Flags().StringVar(&locale, "locale", "", "Branch locale")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Re-read from the repository server")
	return cmd
}

func branchesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "branches",
		Short: "List known branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []types.Branch
			if err := getJSON("/api/v1/branches", &list); err != nil {
				return err
			}
			return printBranches(list)
		},
	}
}

func findCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find <changeset>",
		Short: "Find the branches containing a changeset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []types.Branch
			if err := getJSON("/api/v1/branches/find?"+url.Values{"changeset": {args[0]}}.Encode(), &list); err != nil {
				return err
			}
			return printBranches(list)
		},
	}
}

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse [file]",
		Short: "Parse a unified diff from a file or stdin without contacting the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := io.Reader(os.Stdin)
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			files, err := diffparse.Parse(strings.ToValidUTF8(string(data), "�"))
			if err != nil {
				return err
			}
			if dumpJSON {
				return printJSON(files)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Old\tNew\tAdded\tRemoved\n")
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", f.Old.Name, f.New.Name, len(f.Added()), len(f.Removed()))
			}
			return tw.Flush()
		},
	}
}

func getJSON(path string, out any) error {
	endpoint := strings.TrimRight(apiURL, "/") + path
	resp, err := http.Get(endpoint)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, body.Error)
		}
		return fmt.Errorf("query failed: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printBranches(list []types.Branch) error {
	if dumpJSON {
		return printJSON(list)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Name\tLocale\tURL\n")
	for _, b := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Name, b.Locale, b.URL)
	}
	return tw.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
