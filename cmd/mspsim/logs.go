package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rsclarke/mspsim/internal/types"
	"github.com/spf13/cobra"
)

var logsFlags struct {
	clientConfig
	limit int
	entry bool
}

var logsCmd = &cobra.Command{
	Use:   "logs <connection-id>",
	Short: "Show the exchange log for a connection, most recent first",
	Long: `Show the exchange log for a connection, most recent first.

With --entry the argument is a log entry ID and the full entry is printed
with its payloads formatted.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)

	addClientFlags(logsCmd, &logsFlags.clientConfig)
	logsCmd.Flags().IntVar(&logsFlags.limit, "limit", 50, "maximum entries to show (0 for all)")
	logsCmd.Flags().BoolVar(&logsFlags.entry, "entry", false, "show a single log entry by its ID")
}

func runLogs(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := logsFlags.newClient()
	if err != nil {
		return err
	}

	if logsFlags.entry {
		entry, err := c.GetLog(commandContext(cmd), id)
		if err != nil {
			return err
		}
		printLogEntry(entry)
		return nil
	}

	resp, err := c.ListLogs(commandContext(cmd), id, logsFlags.limit)
	if err != nil {
		return err
	}

	if len(resp.Entries) == 0 {
		fmt.Println("No exchanges recorded.")
		return nil
	}

	fmt.Printf("%-6s  %-19s  %-8s  %-6s  %-6s  %s\n", "ID", "TIME", "DIR", "METHOD", "STATUS", "ENDPOINT")
	for _, e := range resp.Entries {
		fmt.Printf("%-6d  %-19s  %-8s  %-6s  %-6d  %s\n",
			e.ID, formatTime(e.OccurredAt), e.Direction, e.Method, e.HTTPStatusCode, e.Endpoint)
	}
	if resp.Total > len(resp.Entries) {
		fmt.Printf("(%d of %d entries)\n", len(resp.Entries), resp.Total)
	}
	return nil
}

func printLogEntry(e *types.ExchangeLogEntry) {
	fmt.Printf("ID:          %d\n", e.ID)
	fmt.Printf("Connection:  %d\n", e.ConnectionID)
	fmt.Printf("Time:        %s\n", formatTime(e.OccurredAt))
	fmt.Printf("Direction:   %s\n", e.Direction)
	fmt.Printf("Request:     %s %s\n", e.Method, e.Endpoint)
	fmt.Printf("HTTP status: %d\n", e.HTTPStatusCode)
	if e.ErrorMessage != nil {
		fmt.Printf("Error:       %s\n", *e.ErrorMessage)
	}
	if e.RequestPayload != nil {
		fmt.Println()
		fmt.Println("Request payload:")
		fmt.Println(prettyJSON(*e.RequestPayload))
	}
	if e.ResponsePayload != nil {
		fmt.Println()
		fmt.Println("Response payload:")
		fmt.Println(prettyJSON(*e.ResponsePayload))
	}
}

// prettyJSON indents s when it is valid JSON and returns it unchanged
// otherwise.
func prettyJSON(s string) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(s), "", "  "); err != nil {
		return s
	}
	return buf.String()
}
