package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/PortNumber53/boxing-coach/backend/internal/migrations"
)

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	v := viper.New()
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "dbtool",
		Short:         "Manage the checkout database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Running without a subcommand applies migrations.
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(v, runUp)
		},
	}
	rootCmd.PersistentFlags().String("database-url", "", "Postgres DSN (defaults to $DATABASE_URL)")
	_ = v.BindPFlag("DATABASE_URL", rootCmd.PersistentFlags().Lookup("database-url"))

	rootCmd.AddCommand(upCmd(v), fixCmd(v), forceCmd(v), statusCmd(v))

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("dbtool failed")
		os.Exit(1)
	}
}

func upCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(v, runUp)
		},
	}
}

func fixCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "fix",
		Short: "Clear a dirty schema version left by a failed migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(v, func(db *sql.DB) error {
				log.Info().Msg("attempting to fix dirty database")
				if err := migrations.FixDirtyDatabase(db); err != nil {
					return fmt.Errorf("fix dirty database: %w", err)
				}
				log.Info().Msg("database fixed")
				return nil
			})
		},
	}
}

func forceCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Record a schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid version number %q", args[0])
			}
			return withDB(v, func(db *sql.DB) error {
				log.Info().Uint64("version", version).Msg("forcing database version")
				return migrations.ForceVersion(db, uint(version))
			})
		},
	}
}

func statusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the recorded schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(v, func(db *sql.DB) error {
				st, err := migrations.CurrentStatus(db)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch {
				case st.Fresh:
					fmt.Fprintln(out, "no migrations applied")
				case st.Dirty:
					fmt.Fprintf(out, "version %d (dirty: run `dbtool fix`)\n", st.Version)
				default:
					fmt.Fprintf(out, "version %d\n", st.Version)
				}
				return nil
			})
		},
	}
}

func runUp(db *sql.DB) error {
	log.Info().Msg("applying migrations")
	if err := migrations.Up(db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info().Msg("migrations applied")
	return nil
}

func withDB(v *viper.Viper, fn func(db *sql.DB) error) error {
	dsn := v.GetString("DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return fn(db)
}
