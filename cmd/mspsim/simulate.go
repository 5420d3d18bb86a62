package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rsclarke/mspsim/internal/types"
	"github.com/spf13/cobra"
)

var simulateFlags struct {
	clientConfig
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Control the global 401/403 error simulation",
	Long: `Control the global error simulation switches. When enabled they apply to
every connection and override the per-connection flags; 401 wins over 403.`,
}

var simulate401Cmd = &cobra.Command{
	Use:   "401 <on|off>",
	Short: "Force 401 Unauthorized on versions and credentials POST",
	Args:  cobra.ExactArgs(1),
	RunE:  runSimulateCode(http.StatusUnauthorized),
}

var simulate403Cmd = &cobra.Command{
	Use:   "403 <on|off>",
	Short: "Force 403 Forbidden on versions and credentials POST",
	Args:  cobra.ExactArgs(1),
	RunE:  runSimulateCode(http.StatusForbidden),
}

var simulateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the global simulation switches",
	Args:  cobra.NoArgs,
	RunE:  runSimulateStatus,
}

var simulateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Turn off both global switches",
	Args:  cobra.NoArgs,
	RunE:  runSimulateReset,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.AddCommand(simulate401Cmd, simulate403Cmd, simulateStatusCmd, simulateResetCmd)

	for _, c := range simulateCmd.Commands() {
		addClientFlags(c, &simulateFlags.clientConfig)
	}
}

func parseOnOff(arg string) (bool, error) {
	switch arg {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	v, err := strconv.ParseBool(arg)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", arg)
	}
	return v, nil
}

func runSimulateCode(code int) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		enable, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		c, err := simulateFlags.newClient()
		if err != nil {
			return err
		}

		status, err := c.SetSimulation(commandContext(cmd), code, enable)
		if err != nil {
			return err
		}
		printSimulation(status)
		return nil
	}
}

func runSimulateStatus(cmd *cobra.Command, args []string) error {
	c, err := simulateFlags.newClient()
	if err != nil {
		return err
	}
	status, err := c.Simulation(commandContext(cmd))
	if err != nil {
		return err
	}
	printSimulation(status)
	return nil
}

func runSimulateReset(cmd *cobra.Command, args []string) error {
	c, err := simulateFlags.newClient()
	if err != nil {
		return err
	}
	status, err := c.ResetSimulation(commandContext(cmd))
	if err != nil {
		return err
	}
	printSimulation(status)
	return nil
}

func printSimulation(s *types.SimulationStatus) {
	fmt.Printf("Force 401 Unauthorized:  %s\n", onOff(s.ForceUnauthorized))
	fmt.Printf("Force 403 Forbidden:     %s\n", onOff(s.ForceForbidden))
	if s.UpdatedAt != nil {
		fmt.Printf("Updated:                 %s\n", formatTime(*s.UpdatedAt))
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
