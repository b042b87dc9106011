package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/api"
	"go-civitai-manager/internal/config"
	"go-civitai-manager/internal/database"
	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/models"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

// logLevel and logFormat configure the global logger
var logLevel string
var logFormat string

// logApiFlag holds the value of the --log-api flag
var logApiFlag bool

// savePathFlag holds the value of the --save-path flag
var savePathFlag string

// apiTimeoutFlag holds the value of the --api-timeout flag
var apiTimeoutFlag int

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport holds the globally configured HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "civitai-manager",
	Short: "Download and manage models from Civitai",
	Long: `Civitai Manager downloads models from Civitai.com, keeps a local
catalog of everything it fetched, and can reconcile or recover that catalog
against the files actually on disk.`,
	PersistentPreRunE: loadGlobalConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	defer func() {
		if loggingTransport, ok := globalHttpTransport.(*api.LoggingTransport); ok && loggingTransport != nil {
			if err := loggingTransport.Close(); err != nil {
				log.WithError(err).Error("Error closing API log file")
			}
		}
	}()

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Logging format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&savePathFlag, "save-path", "", "Directory to save models (overrides config)")
	rootCmd.PersistentFlags().IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for API HTTP client in seconds (overrides config, -1 uses config default)")
}

// initLogging applies the --log-level and --log-format flags.
func initLogging() {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using default 'info'", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Warnf("Invalid log format '%s', using default 'text'", logFormat)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// loadGlobalConfig loads the configuration, applies flag overrides and sets
// up the global HTTP transport (wrapped for api.log when logging is on).
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	initLogging()

	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		// Not fatal: commands check the fields they actually need.
		log.WithError(err).Warnf("Failed to load configuration from %s", cfgFile)
		config.ApplyDefaults(&globalConfig)
	}

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
	}
	if cmd.Flags().Changed("save-path") && savePathFlag != "" {
		globalConfig.SavePath = savePathFlag
	}
	if cmd.Flags().Changed("api-timeout") && apiTimeoutFlag > 0 {
		globalConfig.ApiClientTimeoutSec = apiTimeoutFlag
	}

	globalHttpTransport = http.DefaultTransport
	if globalConfig.LogApiRequests {
		logFilePath := "api.log"
		if globalConfig.SavePath != "" {
			if _, statErr := os.Stat(globalConfig.SavePath); statErr == nil {
				logFilePath = filepath.Join(globalConfig.SavePath, logFilePath)
			}
		}
		log.Infof("API logging to file: %s", logFilePath)
		loggingTransport, err := api.NewLoggingTransport(http.DefaultTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			globalHttpTransport = loggingTransport
		}
	}
	return nil
}

// openLedger opens the SQLite ledger configured in DatabasePath.
func openLedger() (*database.Ledger, error) {
	dbPath := globalConfig.DatabasePath
	if dbPath == "" {
		dbPath = "civitai-manager.db"
		log.Warnf("DatabasePath not configured, using %s", dbPath)
	}
	return database.Open(dbPath)
}

// newApiClient builds an API client on the global transport.
func newApiClient() *api.Client {
	return api.NewClient(globalConfig.ApiKey, &http.Client{
		Timeout:   time.Duration(globalConfig.ApiClientTimeoutSec) * time.Second,
		Transport: globalHttpTransport,
	})
}

// newDownloadClient builds the client used for large file downloads. No
// overall timeout: big checkpoints can legitimately take a long time.
func newDownloadClient() *http.Client {
	return &http.Client{
		Timeout:   0,
		Transport: globalHttpTransport,
	}
}

// imagesRoot is where gallery images are stored, defaulting to an images/
// directory under SavePath.
func imagesRoot() string {
	if globalConfig.ImagesPath != "" {
		return globalConfig.ImagesPath
	}
	return filepath.Join(globalConfig.SavePath, "images")
}

// modelDirName is the per-model directory name used under SavePath/<type>/.
func modelDirName(model models.Model) string {
	return fmt.Sprintf("%s_%d", helpers.SanitizeName(model.Name), model.ID)
}
