package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "overlaycam",
		Short: "OverlayCam - Camera feed with a translucent overlay",
		Long: `OverlayCam shows a live camera feed with a translucent image drawn on
top of it, for tracing or lining up a shot against a reference.

Features:
  • Camera capture via GStreamer (subprocess or in-process)
  • Optional camera permission through xdg-desktop-portal
  • Overlay image from a URL, data URI, file or upload
  • Adjustable opacity, fit mode and canvas size
  • MJPEG stream of the composite with a browser viewer
  • Optional local X11 preview window`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(viper.GetString("log_level"), viper.GetBool("pretty"))
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/overlaycam/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "human readable console logs")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
}

func initConfig() {
	// OVERLAYCAM_SERVER_PORT, OVERLAYCAM_LOG_LEVEL, OVERLAYCAM_PRETTY
	viper.SetEnvPrefix("overlaycam")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
