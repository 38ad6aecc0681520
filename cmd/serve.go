package cmd

import (
	"ipamd/server"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		var app server.App
		if err := app.Initialize(c); err != nil {
			return err
		}
		return app.Run()
	},
}

func init() {
	serveCmd.Flags().String("address", "", "listen address")
	serveCmd.Flags().String("port", "", "listen port")
	bind(v, serveCmd.Flags().Lookup("address"), "server.address")
	bind(v, serveCmd.Flags().Lookup("port"), "server.http_port")
	serveCmd.Flags().Bool("prefer-ipv4", false, "prefer the IPv4 primary address of devices")
	bind(v, serveCmd.Flags().Lookup("prefer-ipv4"), "ipam.prefer_ipv4")
}
