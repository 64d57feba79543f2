package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/acqman/internal/acquisition"
	"github.com/CZERTAINLY/acqman/internal/catalog"
	"github.com/CZERTAINLY/acqman/internal/console"
	"github.com/CZERTAINLY/acqman/internal/log"
	"github.com/CZERTAINLY/acqman/internal/model"
	"github.com/CZERTAINLY/acqman/internal/queue"
	"github.com/CZERTAINLY/acqman/internal/rundict"
	"github.com/CZERTAINLY/acqman/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/acqman on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "acqman")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is acqman.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initAcqman

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(acquireCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("acqman failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "acqman",
	Short:        "Manager of laboratory data acquisitions and the phase monitor",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the manager, commands are read from the standard input",
	RunE:  doRun,
}

var acquireCmd = &cobra.Command{
	Use:    "_acquire <acquisition>",
	Short:  "internal command",
	Args:   cobra.ExactArgs(1),
	RunE:   doAcquire,
	Hidden: true,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list prints the available acquisitions",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range catalog.Registry().Names() {
			fmt.Println(name)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an acqman",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("acqman: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("acqman: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	attrs := slog.Group("acqman",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	if err := os.MkdirAll(config.Paths.RunQueue, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", config.Paths.RunQueue, err)
	}
	con := console.New(os.Stdout, config.RunQueuePath(model.UserInputLog))
	// a blocked read of stdin cannot be cancelled, the goroutine ends with
	// the process
	go func() {
		if err := con.Run(ctx, os.Stdin); err != nil {
			slog.ErrorContext(ctx, "operator console failed", "error", err)
		}
	}()

	return service.Run(ctx, config, configPath, con)
}

// doAcquire is the worker process. Its stdio belongs to the manager, so
// logs go to <run_queue>/<acquisition>.log.
func doAcquire(cmd *cobra.Command, args []string) error {
	name := args[0]
	// the operator interrupts the manager, which ends the worker
	signal.Ignore(os.Interrupt)

	var logOut io.Writer = io.Discard
	if f, err := os.OpenFile(config.RunQueuePath(name+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		defer f.Close()
		logOut = f
	}
	slog.SetDefault(log.NewWriter(logOut, config.Verbose))

	attrs := slog.Group("acqman",
		slog.String("cmd", "_acquire"),
		slog.String("acquisition", name),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	strategy, err := catalog.Registry().New(name)
	if err != nil {
		queue.NewEncoder(os.Stderr).Put(err.Error())
		return err
	}

	outJ, errJ, closeJournals := service.OpenJournals(config, name)
	defer closeJournals()

	worker := acquisition.NewWorker(strategy, config.Worker, rundict.Folders{
		Data:   config.Paths.Data,
		Binary: config.Paths.Binary,
	})
	err = acquisition.Serve(ctx, worker, os.Stdin, os.Stdout, os.Stderr, acquisition.Journals{Out: outJ, Err: errJ})
	if errors.Is(err, acquisition.ErrInterrupted) {
		slog.InfoContext(ctx, "acquisition interrupted")
		return nil
	}
	return err
}

func initAcqman(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("ACQMANCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "acqman.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(userConfigPath)
		configPath = filepath.Join(userConfigPath, "acqman.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
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
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}

	if cmd.Name() != acquireCmd.Name() {
		slog.SetDefault(log.New(config.Verbose))
	}

	slog.Debug("acqman run", "configPath", configPath)
	slog.Debug("acqman run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
