// Package cmd holds the ipamd command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"ipamd/config"
	"ipamd/internal/db"
	"ipamd/internal/ipam"
	"ipamd/internal/logs"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "ipamd",
	Short: "ipamd - IP address management service",
	Long: `ipamd keeps aggregates, prefixes and IP addresses of isolated namespaces
in a strict containment hierarchy and serves it over a REST API.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	pf.String("db-driver", "", "database driver: postgres, mysql or sqlite")
	pf.String("db-dsn", "", "database DSN")
	pf.String("log-level", "", "log level: trace, debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	bind(v, pf.Lookup("db-driver"), "database.driver")
	bind(v, pf.Lookup("db-dsn"), "database.dsn")
	bind(v, pf.Lookup("log-level"), "logging.level")
	bind(v, pf.Lookup("log-format"), "logging.format")

	rootCmd.AddCommand(serveCmd, migrateCmd, importCmd, verifyCmd, rebuildCmd)
}

// loadConfig reads the configuration and sets up logging.
func loadConfig() (*config.Config, error) {
	c, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	logs.Init(logs.Options{Level: c.Logging.Level, Format: c.Logging.Format, File: c.Logging.File})
	return c, nil
}

// openService opens and migrates the database for one-shot commands.
func openService(c *config.Config) (*ipam.Service, *gorm.DB, error) {
	d, err := db.Open(c.Database.Driver, c.Database.DSN)
	if err != nil {
		return nil, nil, errors.Wrap(err, "db open")
	}
	if d == nil {
		return nil, nil, errors.New("database.driver is required")
	}
	if err := db.Migrate(d); err != nil {
		return nil, nil, errors.Wrap(err, "db migrate")
	}
	return ipam.NewService(d), d, nil
}

func namespaceID(ctx context.Context, svc *ipam.Service, name string) (uint, error) {
	ns, err := svc.NamespaceByName(ctx, name)
	if err != nil {
		return 0, err
	}
	return ns.ID, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
