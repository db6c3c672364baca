package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/camstreamer/internal/native"
)

var camerasCmd = &cobra.Command{
	Use:     "cameras",
	Aliases: []string{"list"},
	Short:   "List available cameras",
	Long: `List every camera the transport layer reports, with its model,
serial number and the access modes it permits.`,
	Example: `  # List cameras in table format (default)
  camstreamer cameras

  # List cameras in JSON format
  camstreamer cameras --format json`,
	RunE: runCameras,
}

var camerasFormat string

func init() {
	rootCmd.AddCommand(camerasCmd)

	camerasCmd.Flags().StringVarP(&camerasFormat, "format", "f", "table", "output format (table or json)")
}

func runCameras(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	sys, _, err := openSystem(configMgr.Get())
	if err != nil {
		return err
	}
	defer sys.Close()

	cams, err := sys.Cameras()
	if err != nil {
		return fmt.Errorf("failed to list cameras: %w", err)
	}

	switch camerasFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cams)
	case "table":
		return printCamerasTable(cams)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", camerasFormat)
	}
}

func printCamerasTable(cams []native.CameraInfo) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tMODEL\tSERIAL\tINTERFACE\tACCESS\tSTREAMS")
	fmt.Fprintln(w, "--\t-----\t------\t---------\t------\t-------")

	for _, c := range cams {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", c.ID, c.Model, c.Serial, c.InterfaceID, c.PermittedAccess, c.StreamCount)
	}

	return nil
}
