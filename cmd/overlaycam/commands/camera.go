package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/capture"
	"github.com/spf13/cobra"
)

var cameraCmd = &cobra.Command{
	Use:   "camera",
	Short: "Inspect cameras",
	Long:  `List video devices and test camera acquisition without starting the server.`,
}

var cameraDevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List video devices",
	Long:  `List the V4L2 video devices found under /dev.`,
	Example: `  # List devices in table format (default)
  overlaycam camera devices

  # List devices in JSON format
  overlaycam camera devices --format json`,
	RunE: runCameraDevices,
}

var cameraProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Acquire the camera once and report the result",
	Long: `Run the configured camera acquisition (portal permission, backend start,
first frame) once, print the outcome and release the camera.`,
	Example: `  # Probe the configured camera
  overlaycam camera probe

  # Probe another device with the in-process GStreamer backend
  overlaycam camera probe --camera gst --device /dev/video2`,
	RunE: runCameraProbe,
}

var (
	devicesFormat string
	probeCamera   string
	probeDevice   string
	probeTimeout  time.Duration
)

func init() {
	rootCmd.AddCommand(cameraCmd)
	cameraCmd.AddCommand(cameraDevicesCmd)
	cameraCmd.AddCommand(cameraProbeCmd)

	cameraDevicesCmd.Flags().StringVarP(&devicesFormat, "format", "f", "table", "output format (table or json)")
	cameraProbeCmd.Flags().StringVar(&probeCamera, "camera", "", "camera backend (default from config)")
	cameraProbeCmd.Flags().StringVar(&probeDevice, "device", "", "camera device (default from config)")
	cameraProbeCmd.Flags().DurationVar(&probeTimeout, "timeout", 30*time.Second, "give up after this long")
}

func runCameraDevices(cmd *cobra.Command, args []string) error {
	devices, err := capture.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	switch devicesFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devices)
	case "table":
		if len(devices) == 0 {
			fmt.Println("No video devices found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tNAME")
		fmt.Fprintln(w, "------\t----")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\n", d.Path, d.Name)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", devicesFormat)
	}
}

func runCameraProbe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	if probeCamera != "" {
		cfg.Camera.Backend = probeCamera
	}
	if probeDevice != "" {
		cfg.Camera.Device = probeDevice
	}

	open, err := capture.NewOpener(cfg.Camera, cfg.Controls.CanvasWidth, cfg.Controls.CanvasHeight)
	if err != nil {
		return err
	}
	acq := capture.NewAcquirer(open, capture.NewAuthorizer(cfg.Camera))
	defer acq.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	fmt.Printf("Probing %s (%s)...\n", cfg.Camera.Device, cfg.Camera.Backend)
	start := time.Now()

	var st capture.State
	select {
	case st = <-acq.Acquire(ctx):
	case <-ctx.Done():
		return fmt.Errorf("camera probe timed out after %s", probeTimeout)
	}

	if st.Phase != capture.Granted {
		return fmt.Errorf("camera %s: %w", st.Phase, st.Err)
	}

	w, h := st.Source.Size()
	fmt.Printf("✅ Camera granted in %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("   Source: %s\n", st.Source.Name())
	fmt.Printf("   Size:   %dx%d\n", w, h)
	if frame := st.Source.LatestFrame(); frame != nil {
		b := frame.Bounds()
		fmt.Printf("   Frame:  %dx%d\n", b.Dx(), b.Dy())
	}
	return nil
}
