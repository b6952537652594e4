package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "tidectl",
	Short: "Operational CLI for the tidemark state store",
	Long: `tidectl administers the shared state store that tidemark plans and
schedulers read from: schema migrations, environment inspection, and
garbage collection of expired environments and snapshots.

Connection settings come from flags, a config file (--config, default
./tidemark.yaml if present), or TIDEMARK_* environment variables, in
that order of precedence.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (yaml)")
	pf.String("db-type", "sqlite", "State database type: sqlite, postgres, or mysql")
	pf.String("db-dsn", "", "State database connection string")
	pf.Duration("cache-ttl", 30*time.Second, "Snapshot read-cache TTL")
	pf.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	bindFlag("db.type", pf.Lookup("db-type"))
	bindFlag("db.dsn", pf.Lookup("db-dsn"))
	bindFlag("cache.ttl", pf.Lookup("cache-ttl"))

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(envsCmd)
	rootCmd.AddCommand(janitorCmd)
}

func bindFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initConfig(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tidemark")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("TIDEMARK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// The config file is optional unless explicitly requested.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || cfgFile != "" {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func openDB() (*gorm.DB, error) {
	dbType := viper.GetString("db.type")
	dsn := viper.GetString("db.dsn")

	var dialector gorm.Dialector
	switch dbType {
	case "sqlite":
		if dsn == "" {
			dsn = "tidemark.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db type: %s", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s state database: %w", dbType, err)
	}
	return db, nil
}
