package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "o2o-ledger",
		Short: "Order financial aggregation service",
		RunE:  run,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the o2o-ledger service version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending row store migrations and exit",
		RunE:  migrateDB,
	}

	rebuildCmd = &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the pre-aggregated cache for a date range",
		RunE:  rebuild,
	}

	cfgFile     string
	version     string
	rebuildFrom string
	rebuildTo   string
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to configuration file (optional)")
	rebuildCmd.Flags().StringVar(&rebuildFrom, "from", "", "first day to rebuild, YYYY-MM-DD")
	rebuildCmd.Flags().StringVar(&rebuildTo, "to", "", "last day to rebuild, YYYY-MM-DD, inclusive")
	_ = rebuildCmd.MarkFlagRequired("from")
	_ = rebuildCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(versionCmd, migrateCmd, rebuildCmd)
	if err := rootCmd.Execute(); err != nil {
		slog.Default().Error("can't start the service", slog.String("err", err.Error()))
		os.Exit(-1)
	}
}
