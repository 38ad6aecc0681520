package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ipamd/internal/ipam"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var importFormat string

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Bulk-import aggregates, prefixes and addresses from CSV or JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		svc, _, err := openService(c)
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return errors.Wrap(err, "open import file")
		}
		defer f.Close()

		format := importFormat
		if format == "" {
			format = strings.TrimPrefix(strings.ToLower(filepath.Ext(args[0])), ".")
		}
		var recs []ipam.Record
		switch format {
		case "csv":
			recs, err = ipam.ParseCSV(f)
		case "json":
			recs, err = ipam.ParseJSON(f)
		default:
			return errors.Errorf("unknown import format %q (use --format csv|json)", format)
		}
		if err != nil {
			return err
		}
		res, err := svc.Import(cmd.Context(), recs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d aggregates, %d prefixes, %d ip addresses\n",
			res.Aggregates, res.Prefixes, res.Addresses)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFormat, "format", "", "csv or json (default: from file extension)")
}
