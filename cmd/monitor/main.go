// monitor is a live terminal view of in-flight and completed
// registrations.  It only reads from the database.
package main

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/iliyamo/conference-registration/internal/config"
	"github.com/iliyamo/conference-registration/internal/database"
	"github.com/iliyamo/conference-registration/internal/monitor"
	"github.com/iliyamo/conference-registration/internal/repository"
)

func main() {
	_ = godotenv.Load()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		pendingLimit int
		activeLimit  int
		interval     time.Duration
		tz           string
	)
	flagSet := pflag.NewFlagSet("monitor", pflag.ContinueOnError)
	flagSet.IntVar(&pendingLimit, "limit-pending", monitor.DefaultPendingLimit, "number of pending registrations to show")
	flagSet.IntVar(&activeLimit, "limit-active", monitor.DefaultActiveLimit, "number of active registrations to show")
	flagSet.DurationVar(&interval, "interval", monitor.DefaultInterval, "refresh interval")
	flagSet.StringVar(&tz, "tz", monitor.DefaultTimeZone, "time zone used to display times")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("--tz: %w", err)
	}

	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return err
	}
	db, err := database.Open(dbCfg.Options())
	if err != nil {
		return err
	}
	defer db.Close()

	repo, err := repository.NewRegistrationRepo(db, dbCfg.Driver)
	if err != nil {
		return err
	}

	m := monitor.New(repo, monitor.Options{
		PendingLimit: pendingLimit,
		ActiveLimit:  activeLimit,
		Interval:     interval,
		Location:     loc,
	})
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
