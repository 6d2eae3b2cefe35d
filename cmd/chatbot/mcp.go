package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/comigor/chatbot-go/internal/mcpserver"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Expose the chat as MCP tools on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries the protocol
		a, err := newApp(cmd.Context(), os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()
		return mcpserver.New(a.session, version).ServeStdio()
	},
}
