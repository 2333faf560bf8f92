package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/progression-engine/factory"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect and validate content catalogs",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a catalog JSON file without starting the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := factory.NewCatalogFactory().Load(args[0])
		if err != nil {
			return err
		}
		zap.L().Info("catalog valid",
			zap.String("file", args[0]),
			zap.Int("ranks", len(b.Ranks.Table().Definitions())),
			zap.Int("achievements", b.Achievements.Len()),
			zap.Int("shop_items", len(b.Shop.Items())),
			zap.Int("exercises", len(b.Exercises.All())),
		)
		cmd.Printf("ok: %d ranks, %d achievements, %d shop items, %d exercises\n",
			len(b.Ranks.Table().Definitions()), b.Achievements.Len(), len(b.Shop.Items()), len(b.Exercises.All()))
		return nil
	},
}

var catalogDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the built-in catalog as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := factory.NewCatalogFactory()
		b, err := f.Default()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(f.ToJSON(b)), "encode catalog")
	},
}

func init() {
	catalogCmd.AddCommand(catalogValidateCmd, catalogDumpCmd)
	rootCmd.AddCommand(catalogCmd)
}
