package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/camstreamer/internal/device"
	"github.com/bryanchriswhite/camstreamer/internal/feature"
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Inspect and change camera features",
	Long:  `List, read and write the features a camera exposes.`,
}

var featuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List camera features",
	Example: `  # List the features of the configured camera
  camstreamer features list

  # List as JSON
  camstreamer features list --format json`,
	Args: cobra.NoArgs,
	RunE: runFeaturesList,
}

var featuresGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Read a feature value",
	Example: `  # Read the exposure time
  camstreamer features get ExposureTime`,
	Args: cobra.ExactArgs(1),
	RunE: runFeaturesGet,
}

var featuresSetCmd = &cobra.Command{
	Use:   "set NAME VALUE",
	Short: "Write a feature value",
	Long: `Write a feature value. The value is parsed according to the feature
type. Command features are executed and take an empty value.`,
	Example: `  # Set the exposure time
  camstreamer features set ExposureTime 2500

  # Change the pixel format
  camstreamer features set PixelFormat Mono16`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runFeaturesSet,
}

var (
	featuresCamera string
	featuresFormat string
)

func init() {
	rootCmd.AddCommand(featuresCmd)
	featuresCmd.AddCommand(featuresListCmd)
	featuresCmd.AddCommand(featuresGetCmd)
	featuresCmd.AddCommand(featuresSetCmd)

	featuresCmd.PersistentFlags().StringVarP(&featuresCamera, "camera", "c", "", "camera id (default is camera.id from the config)")
	featuresListCmd.Flags().StringVarP(&featuresFormat, "format", "f", "table", "output format (table or json)")
}

// withFeatures opens the camera, runs fn on its feature table and closes
// everything again.
func withFeatures(fn func(t *feature.Table) error) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	id := featuresCamera
	if id == "" {
		id = cfg.Camera.ID
	}

	sys, _, err := openSystem(cfg)
	if err != nil {
		return err
	}
	stack := &device.Stack{}
	stack.Push("system", sys.Close)
	defer stack.Unwind()

	cam, err := sys.Camera(id)
	if err != nil {
		return err
	}
	if err := cam.Open(cfg.AccessMode()); err != nil {
		return fmt.Errorf("failed to open camera %s: %w", id, err)
	}
	stack.Push("camera", cam.Close)

	table, err := cam.Features()
	if err != nil {
		return err
	}
	return fn(table)
}

func runFeaturesList(cmd *cobra.Command, args []string) error {
	return withFeatures(func(t *feature.Table) error {
		handles, err := t.List()
		if err != nil {
			return err
		}

		if featuresFormat == "json" {
			type entry struct {
				Name     string      `json:"name"`
				Category string      `json:"category"`
				Type     string      `json:"type"`
				Value    interface{} `json:"value,omitempty"`
				Writable bool        `json:"writable"`
			}
			out := make([]entry, 0, len(handles))
			for _, h := range handles {
				v, _ := h.Value()
				out = append(out, entry{h.Name(), h.Info().Category, h.Type().String(), v, h.Writable()})
			}
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(out)
		}
		if featuresFormat != "table" {
			return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", featuresFormat)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "NAME\tCATEGORY\tTYPE\tVALUE\tWRITABLE")
		fmt.Fprintln(w, "----\t--------\t----\t-----\t--------")
		for _, h := range handles {
			value := "-"
			if v, err := h.Value(); err == nil {
				value = fmt.Sprint(v)
			}
			writable := "No"
			if h.Writable() {
				writable = "Yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", h.Name(), h.Info().Category, h.Type(), value, writable)
		}
		return nil
	})
}

func runFeaturesGet(cmd *cobra.Command, args []string) error {
	return withFeatures(func(t *feature.Table) error {
		h, err := t.Get(args[0])
		if err != nil {
			return err
		}
		v, err := h.Value()
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	})
}

func runFeaturesSet(cmd *cobra.Command, args []string) error {
	value := ""
	if len(args) == 2 {
		value = args[1]
	}
	return withFeatures(func(t *feature.Table) error {
		h, err := t.Get(args[0])
		if err != nil {
			return err
		}
		if err := h.Set(value); err != nil {
			return err
		}
		fmt.Printf("✅ %s = %s\n", h.Name(), value)
		return nil
	})
}
