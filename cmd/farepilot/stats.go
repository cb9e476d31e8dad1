package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/farepilot/farepilot/internal/config"
	"github.com/farepilot/farepilot/internal/i18n"
	"github.com/farepilot/farepilot/internal/profile"
	"github.com/farepilot/farepilot/internal/storage/sqlite"
)

// Aggregates carry no currency column; everything the parser stores
// without an explicit symbol is BRL.
const statsCurrency = "BRL"

var (
	statsDays     int
	statsDate     string
	statsSessions bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show earnings and demand aggregates from the local database",
	Long: `Prints the daily aggregates for the last --days days, the hourly
demand rollup for one date with --date, or the finished sessions in
the window with --sessions.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().IntVar(&statsDays, "days", 7, "how many days back to look")
	statsCmd.Flags().StringVar(&statsDate, "date", "", "show hourly demand for this date (YYYY-MM-DD)")
	statsCmd.Flags().BoolVar(&statsSessions, "sessions", false, "list sessions instead of daily aggregates")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if statsDays < 1 {
		return fmt.Errorf("days must be at least 1, got %d", statsDays)
	}

	store, err := sqlite.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	profiles := profile.NewStore(cfg.ProfilePath)
	if err := profiles.Load(); err != nil {
		return err
	}
	loc, err := i18n.Load()
	if err != nil {
		return err
	}
	locale := profiles.Current().Locale

	ctx := context.Background()
	switch {
	case statsDate != "":
		return printHourly(ctx, store, loc, locale)
	case statsSessions:
		return printSessions(ctx, store, loc, locale)
	default:
		return printDaily(ctx, store, loc, locale)
	}
}

func printDaily(ctx context.Context, store *sqlite.Store, loc *i18n.Localizer, locale string) error {
	now := time.Now()
	from := now.AddDate(0, 0, -(statsDays - 1)).Format("2006-01-02")
	to := now.Format("2006-01-02")

	rows, err := store.GetDailyStats(ctx, from, to)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Printf("no data between %s and %s\n", from, to)
		return nil
	}

	fmt.Printf("%-12s %7s %9s %6s %12s %8s %10s %5s\n",
		"date", "offers", "accepted", "trips", "earnings", "online", "avg/km", "peak")
	var totalOffers, totalTrips int
	var totalEarnings int64
	for _, r := range rows {
		peak := "-"
		if r.PeakHour >= 0 {
			peak = fmt.Sprintf("%02d:00", r.PeakHour)
		}
		fmt.Printf("%-12s %7d %9d %6d %12s %8s %10s %5s\n",
			r.Date, r.OffersSeen, r.OffersAccepted, r.TripsCompleted,
			loc.FormatMoney(locale, r.EarningsCents, statsCurrency),
			formatOnline(r.OnlineMs),
			loc.FormatPerKm(locale, r.AvgPerKmCents, statsCurrency),
			peak)
		totalOffers += r.OffersSeen
		totalTrips += r.TripsCompleted
		totalEarnings += r.EarningsCents
	}
	fmt.Printf("total: %d offers, %d trips, %s over %d day(s)\n",
		totalOffers, totalTrips, loc.FormatMoney(locale, totalEarnings, statsCurrency), len(rows))
	return nil
}

func printHourly(ctx context.Context, store *sqlite.Store, loc *i18n.Localizer, locale string) error {
	if _, err := time.Parse("2006-01-02", statsDate); err != nil {
		return fmt.Errorf("date must be YYYY-MM-DD, got %q", statsDate)
	}

	rows, err := store.GetHourlyDemand(ctx, statsDate)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Printf("no data for %s\n", statsDate)
		return nil
	}

	fmt.Printf("%-6s %7s %9s %10s %10s\n", "hour", "offers", "accepted", "avg score", "avg/km")
	for _, r := range rows {
		fmt.Printf("%02d:00  %7d %9d %10.1f %10s\n",
			r.Hour, r.Offers, r.Accepted, r.AvgScore,
			loc.FormatPerKm(locale, r.AvgPerKmCents, statsCurrency))
	}
	return nil
}

func printSessions(ctx context.Context, store *sqlite.Store, loc *i18n.Localizer, locale string) error {
	now := time.Now()
	from := now.AddDate(0, 0, -statsDays)

	rows, err := store.GetSessions(ctx, from, now)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Printf("no sessions since %s\n", from.Format("2006-01-02"))
		return nil
	}

	fmt.Printf("%-17s %8s %7s %9s %6s %12s\n",
		"started", "length", "offers", "accepted", "trips", "earnings")
	for _, r := range rows {
		fmt.Printf("%-17s %8s %7d %9d %6d %12s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			formatOnline(r.EndedAt.Sub(r.StartedAt).Milliseconds()),
			r.OffersSeen, r.OffersAccepted, r.TripsCompleted,
			loc.FormatMoney(locale, r.EarningsCents, statsCurrency))
	}
	return nil
}

func formatOnline(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	return fmt.Sprintf("%dh%02dm", h, m)
}
