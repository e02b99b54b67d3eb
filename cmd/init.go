package cmd

import (
	"fmt"
	"github.com/af-t/disco/disco"
	"github.com/spf13/cobra"
	"log"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable DISCO_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable DISCO_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := disco.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer sqlDB.Close()
		}

		out := cmd.OutOrStdout()
		var messages int64
		if err = db.WithContext(ctx).Model(&disco.DiscordMessage{}).Count(&messages).Error; err != nil {
			log.Fatalf("Error counting messages: %v", err)
		}
		fmt.Fprintf(out, "Database ready (%s, %d messages logged).\n", cfg.DatabaseType, messages)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
