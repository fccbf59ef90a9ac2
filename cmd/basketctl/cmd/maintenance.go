package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

type maintenanceState struct {
	Enabled bool `json:"enabled"`
}

func getMaintenance(ctx context.Context) (maintenanceState, error) {
	var st maintenanceState
	resp, err := makeHTTPRequest(ctx, http.MethodGet, "/admin/maintenance", nil)
	if err != nil {
		return st, err
	}
	return st, decodeResponse(resp, &st)
}

func setMaintenance(ctx context.Context, enabled bool) (maintenanceState, error) {
	var st maintenanceState
	resp, err := makeHTTPRequest(ctx, http.MethodPut, "/admin/maintenance", maintenanceState{Enabled: enabled})
	if err != nil {
		return st, err
	}
	return st, decodeResponse(resp, &st)
}

func printMaintenance(cmd *cobra.Command, st maintenanceState) {
	if outputJSON {
		printOutput(cmd.OutOrStdout(), st)
		return
	}
	state := "off"
	if st.Enabled {
		state = "on"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "maintenance mode is %s\n", state)
}

// maintenanceCmd represents the maintenance command
var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Show or toggle worker maintenance mode",
	Long: `While maintenance mode is on, workers park jobs that write to the contact
store in the queued job log instead of running them.`,
}

var maintenanceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show maintenance mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		st, err := getMaintenance(ctx)
		if err != nil {
			return fmt.Errorf("maintenance status: %w", err)
		}
		printMaintenance(cmd, st)
		return nil
	},
}

func toggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Turn maintenance mode %s", use),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			st, err := setMaintenance(ctx, enabled)
			if err != nil {
				return fmt.Errorf("maintenance %s: %w", use, err)
			}
			printMaintenance(cmd, st)
			return nil
		},
	}
}

func init() {
	maintenanceCmd.AddCommand(maintenanceStatusCmd, toggleCmd("on", true), toggleCmd("off", false))
	rootCmd.AddCommand(maintenanceCmd)
}
