package main

import (
	"errors"
	"fmt"

	"github.com/rsclarke/mspsim/internal/types"
	"github.com/spf13/cobra"
)

var handshakeFlags struct {
	clientConfig
}

var handshakeCmd = &cobra.Command{
	Use:   "handshake <connection-id>",
	Short: "Register with the CPO (versions, endpoints, credentials)",
	Long: `Run the eMSP-initiated OCPI 2.3 credentials handshake for a connection:
fetch the CPO's versions, discover its credentials endpoint and post our
credentials. The step trace is printed either way.`,
	Args: cobra.ExactArgs(1),
	RunE: runHandshake,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <connection-id>",
	Short: "Clear stored tokens and mark the connection revoked",
	Long: `Revoke a connection locally. Both tokens are cleared and the status
becomes Revoked. The CPO is not notified.`,
	Args: cobra.ExactArgs(1),
	RunE: runRevoke,
}

func init() {
	rootCmd.AddCommand(handshakeCmd, revokeCmd)

	addClientFlags(handshakeCmd, &handshakeFlags.clientConfig)
	addClientFlags(revokeCmd, &handshakeFlags.clientConfig)
}

func runHandshake(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := handshakeFlags.newClient()
	if err != nil {
		return err
	}

	res, err := c.Handshake(commandContext(cmd), id)
	if err != nil {
		return err
	}
	return printHandshake(res)
}

func runRevoke(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := handshakeFlags.newClient()
	if err != nil {
		return err
	}

	res, err := c.Revoke(commandContext(cmd), id)
	if err != nil {
		return err
	}
	return printHandshake(res)
}

func printHandshake(res *types.HandshakeResponse) error {
	for _, step := range res.Steps {
		fmt.Printf("  %s\n", step)
	}
	for _, e := range res.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	if res.Status != "" {
		fmt.Printf("Status: %s\n", res.Status)
	}
	if !res.Success {
		return errors.New(res.Message)
	}
	fmt.Println(res.Message)
	return nil
}
