package client

import (
	"github.com/spf13/cobra"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// NewRoot constructs a root Cobra command for the oplogd client.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "oplogd",
		Short: "oplogd client commands",
	}
	root.AddCommand(NewOplogCommand(baseURL))
	root.AddCommand(NewWorkerCommand(baseURL))
	root.AddCommand(NewStatusCommand(baseURL))
	root.AddCommand(NewHealthCommand())
	return root
}
