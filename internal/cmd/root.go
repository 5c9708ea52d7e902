// Package cmd wires the coordinatord CLI: a cobra root command plus the
// serve, sweep, version and doctor subcommands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/llmjob/coordinator/internal/observability"
)

// Exit codes for ExitWithCode. These replace a dropped third-party exit-code
// package: the coordinator only needed a handful of distinct codes, not a
// full taxonomy.
const (
	ExitOK                         = 0
	ExitInternal                   = 1
	ExitInvalidArgument             = 2
	ExitExternalServiceUnavailable = 3
	ExitFileNotFound                = 4
	ExitConfigError                 = 5
)

// ExitWithCode logs msg and err at error level, then exits the process with
// code. Tests must not call this directly; it is only reached from Run
// functions executed by a real binary invocation.
func ExitWithCode(log *zap.SugaredLogger, code int, msg string, err error) {
	if log != nil {
		if err != nil {
			log.Errorw(msg, "error", err)
		} else {
			log.Error(msg)
		}
	}
	os.Exit(code)
}

// versionInfo holds the build-time version stamp, set via SetVersionInfo
// from main's -ldflags values.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "none",
	BuildDate: "unknown",
}

// SetVersionInfo records the build-time version stamp. Call it from main
// before Execute.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// AppIdentity names the running binary for banners, env-var prefixing, and
// config-file discovery.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// InitAppIdentity sets the process-wide AppIdentity. Called once from
// rootCmd's PersistentPreRunE.
func InitAppIdentity(binaryName, envPrefix, configName string) {
	appIdentity = &AppIdentity{BinaryName: binaryName, EnvPrefix: envPrefix, ConfigName: configName}
}

// GetAppIdentity returns the current AppIdentity, or nil before InitAppIdentity runs.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "coordinatord",
	Short: "Distributed job broker for LLM inference workloads",
	Long: `coordinatord brokers inference jobs between submitting clients and a pool
of worker nodes: a priority queue, per-job exclusive leases with heartbeat
renewal, and chunked result aggregation, all backed by a pluggable
key-value store.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		InitAppIdentity("coordinatord", "COORDINATOR", "coordinator")
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		return nil
	},
}

// Execute runs the root command; main's only job is to call this and map
// the returned error to a process exit code.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level CLI logging")
	setDefaults()
}

// setDefaults seeds the global viper instance with the same ambient server,
// logging, metrics, health, and worker defaults that internal/config.Load
// applies to its own isolated viper instance. The two are kept separate on
// purpose: this one backs cobra/viper flag binding for the CLI surface,
// while internal/config.Load resolves the fully layered runtime Config used
// by serve.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("health.enabled", true)

	viper.SetDefault("workers", 4)

	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(ExitInternal)
}
