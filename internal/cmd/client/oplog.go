package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rzbill/golem-oplog/internal/publicoplog"
)

// NewOplogCommand constructs the `oplog` command group and subcommands.
func NewOplogCommand(baseURL BaseURLFunc) *cobra.Command {
	oplogCmd := &cobra.Command{Use: "oplog", Short: "Worker oplog operations"}
	oplogCmd.AddCommand(
		newOplogGetCommand(baseURL),
		newOplogSearchCommand(baseURL),
		newOplogTailCommand(baseURL),
		newOplogArchiveCommand(baseURL),
	)
	return oplogCmd
}

// newOplogGetCommand constructs the `oplog get` subcommand. With --all it
// follows cursors until the end of the oplog.
func newOplogGetCommand(baseURL BaseURLFunc) *cobra.Command {
	getCmd := &cobra.Command{
		Use:     "get WORKER",
		Aliases: []string{"read"},
		Short:   "Print oplog entries of a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			owned, err := parseWorker(args)
			if err != nil {
				return err
			}
			from, _ := cmd.Flags().GetUint64("from")
			count, _ := cmd.Flags().GetInt("count")
			cursor, _ := cmd.Flags().GetString("cursor")
			all, _ := cmd.Flags().GetBool("all")
			q := url.Values{}
			if from > 0 {
				q.Set("from", strconv.FormatUint(from, 10))
			}
			if count > 0 {
				q.Set("count", strconv.Itoa(count))
			}
			return printPages(cmd, workerURL(baseURL(), owned, "/oplog"), q, cursor, all)
		},
	}
	getCmd.Flags().Uint64("from", 0, "First index to read (default: the start)")
	getCmd.Flags().Int("count", 0, "Entries per page (default: server page size)")
	getCmd.Flags().String("cursor", "", "Continue from a cursor printed by a previous page")
	getCmd.Flags().Bool("all", false, "Follow cursors until the end of the oplog")
	return getCmd
}

// newOplogSearchCommand constructs the `oplog search` subcommand.
func newOplogSearchCommand(baseURL BaseURLFunc) *cobra.Command {
	searchCmd := &cobra.Command{
		Use:   "search WORKER QUERY",
		Short: "Print oplog entries matching a CEL expression or free text",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			owned, err := parseWorker(args[:1])
			if err != nil {
				return err
			}
			count, _ := cmd.Flags().GetInt("count")
			cursor, _ := cmd.Flags().GetString("cursor")
			all, _ := cmd.Flags().GetBool("all")
			q := url.Values{"q": {args[1]}}
			if count > 0 {
				q.Set("count", strconv.Itoa(count))
			}
			return printPages(cmd, workerURL(baseURL(), owned, "/oplog/search"), q, cursor, all)
		},
	}
	searchCmd.Flags().Int("count", 0, "Matches per page (default: server page size)")
	searchCmd.Flags().String("cursor", "", "Continue from a cursor printed by a previous page")
	searchCmd.Flags().Bool("all", false, "Follow cursors until the end of the oplog")
	return searchCmd
}

func printPages(cmd *cobra.Command, endpoint string, q url.Values, cursor string, all bool) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	for {
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page publicoplog.Page
		if err := call(cmd.Context(), http.MethodGet, endpoint+"?"+q.Encode(), &page); err != nil {
			return err
		}
		for _, e := range page.Entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		if page.Next == "" {
			return nil
		}
		if !all {
			fmt.Fprintln(cmd.ErrOrStderr(), "next cursor:", page.Next)
			return nil
		}
		cursor = page.Next
	}
}

// newOplogTailCommand constructs the `oplog tail` subcommand, which follows
// the server-sent event stream of a worker's oplog.
func newOplogTailCommand(baseURL BaseURLFunc) *cobra.Command {
	tailCmd := &cobra.Command{
		Use:   "tail WORKER",
		Short: "Follow new oplog entries of a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			owned, err := parseWorker(args)
			if err != nil {
				return err
			}
			from, _ := cmd.Flags().GetUint64("from")
			limit, _ := cmd.Flags().GetInt("limit")
			u := workerURL(baseURL(), owned, "/oplog/tail")
			if from > 0 {
				u += "?from=" + strconv.FormatUint(from, 10)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u, nil)
			if err != nil {
				return err
			}
			req.Header.Set("Accept", "text/event-stream")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%s", resp.Status)
			}
			out := cmd.OutOrStdout()
			seen := 0
			sc := bufio.NewScanner(resp.Body)
			sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
			for sc.Scan() {
				data, ok := strings.CutPrefix(sc.Text(), "data: ")
				if !ok {
					continue
				}
				if _, err := fmt.Fprintln(out, data); err != nil {
					return err
				}
				seen++
				if limit > 0 && seen >= limit {
					return nil
				}
			}
			if cmd.Context().Err() != nil {
				return nil
			}
			return sc.Err()
		},
	}
	tailCmd.Flags().Uint64("from", 0, "First index to stream (default: the start)")
	tailCmd.Flags().Int("limit", 0, "Stop after N entries (0 = infinite)")
	return tailCmd
}

// newOplogArchiveCommand constructs the `oplog archive` subcommand.
func newOplogArchiveCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "archive WORKER",
		Short: "Move a worker's oplog to the coldest storage tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			owned, err := parseWorker(args)
			if err != nil {
				return err
			}
			var resp struct {
				Steps int `json:"steps"`
			}
			if err := call(cmd.Context(), http.MethodPost, workerURL(baseURL(), owned, "/oplog/archive"), &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %s in %d step(s)\n", owned, resp.Steps)
			return nil
		},
	}
}
