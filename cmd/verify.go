package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var verifyNamespace string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check stored parent pointers against the derived hierarchy",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		svc, _, err := openService(c)
		if err != nil {
			return err
		}
		nsID, err := namespaceID(cmd.Context(), svc, verifyNamespace)
		if err != nil {
			return err
		}
		problems, err := svc.Verify(cmd.Context(), nsID)
		if err != nil {
			return err
		}
		for _, p := range problems {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		if len(problems) > 0 {
			return errors.Errorf("namespace %s: %d inconsistencies", verifyNamespace, len(problems))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "namespace %s is consistent\n", verifyNamespace)
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rewrite stored parent pointers from the namespace's CIDRs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		svc, _, err := openService(c)
		if err != nil {
			return err
		}
		nsID, err := namespaceID(cmd.Context(), svc, verifyNamespace)
		if err != nil {
			return err
		}
		n, err := svc.Rebuild(cmd.Context(), nsID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "namespace %s: %d records re-parented\n", verifyNamespace, n)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{verifyCmd, rebuildCmd} {
		c.Flags().StringVar(&verifyNamespace, "namespace", "Global", "namespace name")
	}
}
