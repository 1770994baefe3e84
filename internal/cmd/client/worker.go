package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewWorkerCommand constructs the `worker` command group and subcommands.
func NewWorkerCommand(baseURL BaseURLFunc) *cobra.Command {
	workerCmd := &cobra.Command{Use: "worker", Short: "Worker status and metadata"}
	workerCmd.AddCommand(
		newWorkerStatusCommand(baseURL),
		newWorkerListCommand(baseURL),
		newWorkerDeleteCommand(baseURL),
	)
	return workerCmd
}

// NewStatusCommand is the top-level `status WORKER` shortcut.
func NewStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	return newWorkerStatusCommand(baseURL)
}

func newWorkerStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status WORKER",
		Short: "Recompute and print the status of a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			owned, err := parseWorker(args)
			if err != nil {
				return err
			}
			var rec map[string]any
			if err := call(cmd.Context(), http.MethodGet, workerURL(baseURL(), owned, "/status"), &rec); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

// newWorkerListCommand constructs `worker list PROJECT/COMPONENT`.
func newWorkerListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list PROJECT/COMPONENT",
		Short: "List the workers of a component",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, component, ok := strings.Cut(args[0], "/")
			if !ok {
				return fmt.Errorf("expected PROJECT/COMPONENT")
			}
			if _, err := uuid.Parse(project); err != nil {
				return fmt.Errorf("project: %w", err)
			}
			if _, err := uuid.Parse(component); err != nil {
				return fmt.Errorf("component: %w", err)
			}
			filter, _ := cmd.Flags().GetString("filter")
			count, _ := cmd.Flags().GetInt("count")
			q := url.Values{}
			if filter != "" {
				q.Set("filter", filter)
			}
			if count > 0 {
				q.Set("count", strconv.Itoa(count))
			}
			endpoint := fmt.Sprintf("%s/v1/projects/%s/components/%s/workers", strings.TrimRight(baseURL(), "/"), project, component)
			out := cmd.OutOrStdout()
			for {
				var page struct {
					Workers []map[string]any `json:"workers"`
					Cursor  uint64           `json:"cursor"`
				}
				if err := call(cmd.Context(), http.MethodGet, endpoint+"?"+q.Encode(), &page); err != nil {
					return err
				}
				for _, w := range page.Workers {
					if err := printJSON(out, w); err != nil {
						return err
					}
				}
				if page.Cursor == 0 {
					return nil
				}
				q.Set("cursor", strconv.FormatUint(page.Cursor, 10))
			}
		},
	}
	listCmd.Flags().String("filter", "", `Filter terms, e.g. "status=Running version>=2 env.REGION=eu"`)
	listCmd.Flags().Int("count", 0, "Workers fetched per request")
	return listCmd
}

func newWorkerDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete WORKER",
		Short: "Delete a worker's oplog from every tier and its metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			owned, err := parseWorker(args)
			if err != nil {
				return err
			}
			if confirm, _ := cmd.Flags().GetBool("confirm"); !confirm {
				return fmt.Errorf("refusing to delete without --confirm")
			}
			if err := call(cmd.Context(), http.MethodDelete, workerURL(baseURL(), owned, ""), nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted", owned)
			return nil
		},
	}
	deleteCmd.Flags().Bool("confirm", false, "Confirm deletion")
	return deleteCmd
}
