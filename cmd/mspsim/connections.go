package main

import (
	"fmt"
	"time"

	"github.com/rsclarke/mspsim/internal/types"
	"github.com/spf13/cobra"
)

var connectionsFlags struct {
	clientConfig
}

var connectionsCmd = &cobra.Command{
	Use:     "connections",
	Aliases: []string{"conn"},
	Short:   "Manage simulated peer connections",
}

var connectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connections with status and exchange counts",
	Args:  cobra.NoArgs,
	RunE:  runConnectionsList,
}

var connectionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one connection including captured payloads",
	Args:  cobra.ExactArgs(1),
	RunE:  runConnectionsShow,
}

var createFlags struct {
	partyID       string
	countryCode   string
	baseURL       string
	peerToken     string
	clientToken   string
	handshakeMode string
}

var connectionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a connection to a CPO",
	Args:  cobra.NoArgs,
	RunE:  runConnectionsCreate,
}

var connectionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a connection and its exchange log",
	Args:  cobra.ExactArgs(1),
	RunE:  runConnectionsDelete,
}

var flagsFlags types.SimulationFlags

var connectionsFlagsCmd = &cobra.Command{
	Use:   "flags <id>",
	Short: "Set the per-connection 401/403 simulation flags",
	Long: `Set the per-connection error simulation flags. Flags not given are
cleared. The global switches (see "mspsim simulate") take precedence.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnectionsFlags,
}

func init() {
	rootCmd.AddCommand(connectionsCmd)
	connectionsCmd.AddCommand(connectionsListCmd, connectionsShowCmd, connectionsCreateCmd,
		connectionsDeleteCmd, connectionsFlagsCmd)

	for _, c := range connectionsCmd.Commands() {
		addClientFlags(c, &connectionsFlags.clientConfig)
	}

	f := connectionsCreateCmd.Flags()
	f.StringVar(&createFlags.partyID, "party-id", "", "CPO party id (max 3 characters)")
	f.StringVar(&createFlags.countryCode, "country-code", "", "CPO country code (2 characters)")
	f.StringVar(&createFlags.baseURL, "base-url", "", "CPO versions URL")
	f.StringVar(&createFlags.peerToken, "token", "", "token for calling the CPO")
	f.StringVar(&createFlags.clientToken, "client-token", "", "token the CPO uses to call us")
	f.StringVar(&createFlags.handshakeMode, "mode", "CPO_INITIATED", "handshake mode (CPO_INITIATED or EMSP_INITIATED)")
	_ = connectionsCreateCmd.MarkFlagRequired("party-id")
	_ = connectionsCreateCmd.MarkFlagRequired("country-code")
	_ = connectionsCreateCmd.MarkFlagRequired("base-url")

	ff := connectionsFlagsCmd.Flags()
	ff.BoolVar(&flagsFlags.VersionsUnauthorized, "versions-401", false, "answer versions with 401")
	ff.BoolVar(&flagsFlags.VersionsForbidden, "versions-403", false, "answer versions with 403")
	ff.BoolVar(&flagsFlags.CredentialsUnauthorized, "credentials-401", false, "answer credentials POST with 401")
	ff.BoolVar(&flagsFlags.CredentialsForbidden, "credentials-403", false, "answer credentials POST with 403")
}

func runConnectionsList(cmd *cobra.Command, args []string) error {
	c, err := connectionsFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.ListConnections(commandContext(cmd))
	if err != nil {
		return err
	}

	if len(resp.Connections) == 0 {
		fmt.Println("No connections found.")
		return nil
	}

	fmt.Printf("%-4s  %-6s  %-17s  %-6s  %-19s  %s\n", "ID", "PARTY", "STATUS", "LOGS", "LAST EXCHANGE", "BASE URL")
	for _, conn := range resp.Connections {
		last := "-"
		if conn.LastExchangeAt != nil {
			last = formatTime(*conn.LastExchangeAt)
		}
		fmt.Printf("%-4d  %-6s  %-17s  %-6d  %-19s  %s\n",
			conn.ID, conn.CountryCode+"/"+conn.PartyID, conn.Status, conn.LogCount, last, conn.BaseURL)
	}

	return nil
}

func runConnectionsShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := connectionsFlags.newClient()
	if err != nil {
		return err
	}

	conn, err := c.GetConnection(commandContext(cmd), id)
	if err != nil {
		return err
	}

	fmt.Printf("ID:             %d\n", conn.ID)
	fmt.Printf("Party:          %s/%s\n", conn.CountryCode, conn.PartyID)
	fmt.Printf("Base URL:       %s\n", conn.BaseURL)
	fmt.Printf("Status:         %s\n", conn.Status)
	fmt.Printf("Mode:           %s\n", conn.HandshakeMode)
	fmt.Printf("Active:         %t\n", conn.IsActive)
	fmt.Printf("Peer token:     %s\n", conn.PeerToken)
	fmt.Printf("Client token:   %s\n", conn.ClientToken)
	fmt.Printf("Exchanges:      %d\n", conn.LogCount)
	fmt.Printf("Created:        %s\n", formatTime(conn.CreatedAt))
	fmt.Printf("Updated:        %s\n", formatTime(conn.UpdatedAt))
	fmt.Println()
	fmt.Println("Simulation:")
	fmt.Printf("  versions 401:     %t\n", conn.Simulation.VersionsUnauthorized)
	fmt.Printf("  versions 403:     %t\n", conn.Simulation.VersionsForbidden)
	fmt.Printf("  credentials 401:  %t\n", conn.Simulation.CredentialsUnauthorized)
	fmt.Printf("  credentials 403:  %t\n", conn.Simulation.CredentialsForbidden)

	if conn.RawVersions != nil {
		fmt.Println()
		fmt.Println("Versions payload:")
		fmt.Println(prettyJSON(*conn.RawVersions))
	}
	if conn.RawCredentials != nil {
		fmt.Println()
		fmt.Println("Credentials payload:")
		fmt.Println(prettyJSON(*conn.RawCredentials))
	}
	return nil
}

func runConnectionsCreate(cmd *cobra.Command, args []string) error {
	c, err := connectionsFlags.newClient()
	if err != nil {
		return err
	}

	req := types.CreateConnectionRequest{
		PartyID:       createFlags.partyID,
		CountryCode:   createFlags.countryCode,
		BaseURL:       createFlags.baseURL,
		HandshakeMode: createFlags.handshakeMode,
	}
	if createFlags.peerToken != "" {
		req.PeerToken = &createFlags.peerToken
	}
	if createFlags.clientToken != "" {
		req.ClientToken = &createFlags.clientToken
	}

	conn, err := c.CreateConnection(commandContext(cmd), req)
	if err != nil {
		return err
	}

	fmt.Printf("Connection %d created (%s/%s).\n", conn.ID, conn.CountryCode, conn.PartyID)
	return nil
}

func runConnectionsDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := connectionsFlags.newClient()
	if err != nil {
		return err
	}

	if err := c.DeleteConnection(commandContext(cmd), id); err != nil {
		return err
	}

	fmt.Printf("Connection %d deleted.\n", id)
	return nil
}

func runConnectionsFlags(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := connectionsFlags.newClient()
	if err != nil {
		return err
	}

	got, err := c.SetConnectionSimulation(commandContext(cmd), id, flagsFlags)
	if err != nil {
		return err
	}

	fmt.Printf("Connection %d simulation: versions 401=%t 403=%t, credentials 401=%t 403=%t\n", id,
		got.VersionsUnauthorized, got.VersionsForbidden, got.CredentialsUnauthorized, got.CredentialsForbidden)
	return nil
}

func formatTime(rfc3339 string) string {
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return rfc3339
	}
	return t.Format("2006-01-02 15:04:05")
}
