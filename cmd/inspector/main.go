package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/CZERTAINLY/Inspector/internal/log"
	"github.com/CZERTAINLY/Inspector/internal/model"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	userConfigPath string // /default/config/path/inspector on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	env = viper.New() // INSPECTOR_CONFIG and INSPECTOR_VERBOSE override flags
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = "."
	}
	userConfigPath = filepath.Join(d, "inspector")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().String("config", "", "Config file to load - default is inspector.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	env.SetEnvPrefix("INSPECTOR")
	env.AutomaticEnv()
	for _, name := range []string{"config", "verbose"} {
		if err := env.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	scanCmd.Flags().String("ruleset", "", "rule set to use, the configured default when empty")
	scanCmd.Flags().String("format", "sarif", "output format: sarif or cyclonedx")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initInspector

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("inspector failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "inspector",
	Short:        "Static analysis of uploads, pull requests and container images",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the scanning API until interrupted",
	RunE:  doServe,
}

var scanCmd = &cobra.Command{
	Use:   "scan <dir>",
	Short: "scan a directory once and print the report",
	Args:  cobra.ExactArgs(1),
	RunE:  doScan,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an inspector",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("inspector: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("inspector: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
	},
}

func initInspector(cmd *cobra.Command, _ []string) error {
	configPath = env.GetString("config")
	if configPath == "" {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "inspector.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		config = model.DefaultConfig()
	} else {
		var err error
		config, err = loadConfig(configPath)
		if err != nil {
			return err
		}
	}

	// --verbose has a precedence over config file
	if env.GetBool("verbose") {
		config.Service.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, config.Service.Verbose))
	slog.Debug("inspector", "cmd", cmd.Name(), "configPath", configPath)
	slog.Debug("inspector", "config", config)
	return nil
}

func loadConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.ConfigErrDetails(err) {
			slog.Error("invalid config", d.Attr("detail"))
		}
		return model.Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
