package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/berylliumsec/nebula-watcher/internal/log"
	"github.com/berylliumsec/nebula-watcher/internal/model"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var (
	userConfigPath string // /default/config/path/nebula-watcher on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagResultsDir     string // value of --results-dir flag
	flagDiagramName    string // value of --diagram-name flag
	flagClearState     bool   // value of run --clear-state flag
	flagMerge          bool   // value of import --merge flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "nebula-watcher")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is watcher.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagResultsDir, "results-dir", "", "directory with nmap results (overrides results_dir)")
	rootCmd.PersistentFlags().StringVar(&flagDiagramName, "diagram-name", "", "name of the diagram (overrides diagram_name)")
	runCmd.Flags().BoolVar(&flagClearState, "clear-state", false, "remove the saved state before start")
	importCmd.Flags().BoolVar(&flagMerge, "merge", false, "merge imported targets into the saved state")

	// --results_dir and --results-dir are the same flag
	rootCmd.SetGlobalNormalizationFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initWatcher

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("nebula-watcher failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "nebula-watcher",
	Short:        "Tracks which scanned targets were engaged and draws the coverage",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "watch connections of this host and update the coverage until interrupted",
	RunE:  doRun,
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "import the results directory once and print the targets as JSON",
	RunE:  doImport,
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "render the diagram from the results directory and the saved state",
	RunE:  doRender,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "remove the saved state",
	RunE:  doClear,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a nebula-watcher",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("nebula-watcher: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("watcher: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initWatcher(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("WATCHERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "watcher.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "watcher.yaml")
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// flags have a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}
	if cmd.Flags().Changed("results-dir") {
		config.ResultsDir = flagResultsDir
	}
	if cmd.Flags().Changed("diagram-name") {
		config.DiagramName = flagDiagramName
	}

	// initialize logging
	out, err := log.Output(config.Service.Log)
	if err != nil {
		return fmt.Errorf("opening log output: %w", err)
	}
	slog.SetDefault(log.New(config.Service.Verbose, out))

	slog.Debug("nebula-watcher", "configPath", configPath)
	slog.Debug("nebula-watcher", "config", config)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return err == nil && info.Mode().IsRegular()
}
