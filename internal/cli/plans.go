package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xraph/recur/plan"
)

var plansFormat string

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Print the plan catalog",
	Long: `Print the plan catalog recurd would sell from.

Examples:
  recurd plans                 # YAML, loadable as CATALOG_FILE
  recurd plans --format json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		catalog, err := loadCatalog(cfg)
		if err != nil {
			return err
		}
		return writePlans(cmd.OutOrStdout(), catalog, plansFormat)
	},
}

func init() {
	plansCmd.Flags().StringVarP(&plansFormat, "format", "f", "yaml", "output format: yaml or json")
}

func writePlans(w io.Writer, catalog *plan.Catalog, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(map[string][]plan.Plan{"plans": catalog.List()}); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(catalog.List())
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}
