package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/volteria/controller/pkg/cloud"
	"github.com/volteria/controller/pkg/config"
	"github.com/volteria/controller/pkg/control"
	"github.com/volteria/controller/pkg/device"
	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/logging"
	"github.com/volteria/controller/pkg/modbus"
	"github.com/volteria/controller/pkg/state"
	"github.com/volteria/controller/pkg/store"
	"github.com/volteria/controller/pkg/supervisor"
	"github.com/volteria/controller/pkg/system"
	"github.com/volteria/controller/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "volteria",
	Short: "Volteria - hybrid solar/diesel site controller",
	Long: `Volteria is the on-site controller for hybrid energy sites. It polls
field devices over Modbus, runs the configured operation mode every
control cycle, enforces safe mode on data loss, and logs readings
locally with store-and-forward sync to the cloud.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Volteria controller %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	runCmd.Flags().String("config", "", "config file path (overrides VOLTERIA_CONFIG_PATH and conventional paths)")
	runCmd.Flags().String("data-dir", "/opt/volteria/data", "directory for the local store and caches")
	runCmd.Flags().String("hardware-type", "", "hardware type id for firmware update checks")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.InitFromEnv()

		path, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		hardwareType, _ := cmd.Flags().GetString("hardware-type")

		if path == "" {
			var err error
			if path, err = config.ResolvePath(); err != nil {
				return err
			}
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		cfg, err := config.Load(path)
		if err != nil {
			// A broken file on boot falls back to the last good snapshot.
			cached, cacheErr := config.LoadCache(dataDir)
			if cacheErr != nil || cached == nil {
				return err
			}
			log.Logger.Warn().Err(err).Msg("config file invalid, booting from cached config")
			cfg = cached
		}

		for {
			next, err := runOnce(cfg, path, dataDir, hardwareType, sigCh)
			if err != nil {
				return err
			}
			if next == nil {
				return nil
			}
			// The accepted config (file or cloud) is the next generation's
			// config; re-reading the file here would discard a cloud update.
			log.Logger.Info().Time("updated_at", next.UpdatedAt).Msg("config changed, restarting services")
			cfg = next
		}
	},
}

// runOnce builds and runs the full service tree for one config generation.
// Returns the accepted replacement config when a reload is requested, nil on
// clean shutdown.
func runOnce(cfg *types.SiteConfig, path, dataDir, hardwareType string, sigCh chan os.Signal) (*types.SiteConfig, error) {
	// The shared-state directory resolves from VOLTERIA_STATE_DIR with its
	// own default; --data-dir covers the sqlite store and caches.
	shared, err := state.NewBoltStore("")
	if err != nil {
		return nil, err
	}
	defer shared.Close()

	db, err := store.Open(dataDir)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	client := cloud.NewClient(cloud.ConfigFromEnv())
	pool := modbus.NewPool()

	configSvc := config.NewService(cfg, path, dataDir, shared, client)
	deviceSvc := device.NewService(cfg, shared, pool)
	controlSvc := control.NewService(cfg, shared)
	loggingSvc := logging.NewService(cfg, shared, db, client)

	sup := supervisor.New(shared)
	systemSvc := system.NewService(cfg, shared, db, client, system.Options{
		Version:        Version,
		HardwareTypeID: hardwareType,
		StageDir:       dataDir + "/ota",
		StopAll:        func() { sup.StopAll() },
		StartAll: func() {
			sup.StartAll()
			sup.Monitor()
		},
		VerifyHealth: sup.WaitHealthy,
	})

	sup.Add(systemSvc, configSvc, deviceSvc, controlSvc, loggingSvc)
	sup.StartAll()
	sup.Monitor()

	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
		sup.StopAll()
		return nil, nil
	case next := <-configSvc.Changes():
		sup.StopAll()
		return next, nil
	}
}

var validateCmd = &cobra.Command{
	Use:   "validate [config file]",
	Short: "Validate a config file offline",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			var err error
			if path, err = config.ResolvePath(); err != nil {
				return err
			}
		}

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		fmt.Printf("%s is valid\n", path)
		fmt.Printf("  Site: %s (%s)\n", cfg.Name, cfg.SiteID)
		fmt.Printf("  Mode: %s\n", cfg.Mode)
		fmt.Printf("  Devices: %d\n", len(cfg.Devices))
		return nil
	},
}
