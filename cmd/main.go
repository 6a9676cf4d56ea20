package main

import (
	"coachsync/internal/config"
	"coachsync/internal/conflicts"
	"coachsync/internal/google"
	"coachsync/internal/icloud"
	"coachsync/internal/integrations"
	"coachsync/internal/models"
	"coachsync/internal/outlook"
	"coachsync/internal/provider"
	"coachsync/internal/store"
	"coachsync/internal/syncer"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "coachsync",
		Usage: "Sync a coach's external calendars and surface double bookings.",
		Commands: []*cli.Command{
			integrationCommand(),
			syncCommand(),
			conflictsCommand(),
			resolveCommand(),
			appointmentCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// engine is the wired set of components one command works with.
type engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	detector *conflicts.Detector
	syncer   *syncer.Syncer
	service  *integrations.Service
}

func newEngine() (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger()

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	creds := provider.StoredCredentials{}
	registry := provider.NewRegistry(
		google.NewAdapter(logger, creds, google.Options{Endpoint: cfg.GoogleEndpoint, Timeout: cfg.ProviderTimeout}),
		outlook.NewAdapter(logger, creds, outlook.Options{BaseURL: cfg.OutlookEndpoint, Timeout: cfg.ProviderTimeout}),
		icloud.NewAdapter(logger, creds, icloud.Options{Endpoint: cfg.CalDAVEndpoint, Timeout: cfg.ProviderTimeout}),
	)
	detector := conflicts.NewDetector(logger, st, cfg.Location)
	sy := syncer.NewSyncer(logger, st, registry, detector, syncer.Options{
		WindowDays:  cfg.WindowDays,
		Concurrency: cfg.SyncConcurrency,
		Location:    cfg.Location,
	})
	firstSync := func(ctx context.Context, id string) error {
		res, err := sy.SyncOne(ctx, id)
		if err != nil {
			return err
		}
		if !res.Success {
			return errors.New(strings.Join(res.Errors, "; "))
		}
		return nil
	}

	return &engine{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		detector: detector,
		syncer:   sy,
		service:  integrations.NewService(logger, st, registry, firstSync),
	}, nil
}

// withEngine wires the engine for a command action and closes it afterwards.
func withEngine(action func(c *cli.Context, e *engine) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.store.Close()
		return action(c, e)
	}
}

func coachFlag() cli.Flag {
	return &cli.StringFlag{Name: "coach", Usage: "Coach id.", EnvVars: []string{"COACHSYNC_COACH"}}
}

func requireCoach(c *cli.Context) (string, error) {
	coach := strings.TrimSpace(c.String("coach"))
	if coach == "" {
		return "", fmt.Errorf("--coach is required")
	}
	return coach, nil
}

func idFlag() cli.Flag {
	return &cli.StringFlag{Name: "id", Usage: "Integration id.", Required: true}
}

func credentialFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "api-key", Usage: "Provider api key.", EnvVars: []string{"COACHSYNC_API_KEY"}},
		&cli.StringFlag{Name: "access-token", Usage: "OAuth access token.", EnvVars: []string{"COACHSYNC_ACCESS_TOKEN"}},
		&cli.StringFlag{Name: "refresh-token", Usage: "OAuth refresh token, stored for the token refresher.", EnvVars: []string{"COACHSYNC_REFRESH_TOKEN"}},
		&cli.StringFlag{Name: "username", Usage: "CalDAV username (Apple ID).", EnvVars: []string{"ICLOUD_USERNAME"}},
		&cli.StringFlag{Name: "password", Usage: "CalDAV app specific password.", EnvVars: []string{"ICLOUD_APP_SPECIFIC_PASSWORD"}},
	}
}

func settingsFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "frequency", Value: 15, Usage: "Sync frequency in minutes."},
		&cli.BoolFlag{Name: "auto-import", Value: true, Usage: "Import provider events."},
		&cli.BoolFlag{Name: "auto-export", Usage: "Export appointments to the provider."},
		&cli.StringFlag{Name: "conflict-mode", Value: string(models.ConflictModeManual), Usage: "manual, auto_reschedule or auto_block."},
	}
}

func credentialsFrom(c *cli.Context) models.Credentials {
	return models.Credentials{
		APIKey:       c.String("api-key"),
		AccessToken:  c.String("access-token"),
		RefreshToken: c.String("refresh-token"),
		Username:     c.String("username"),
		Password:     c.String("password"),
	}
}

func integrationCommand() *cli.Command {
	return &cli.Command{
		Name:  "integration",
		Usage: "Manage calendar integrations.",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Register an integration after testing the connection.",
				Flags: append(append([]cli.Flag{
					coachFlag(),
					&cli.StringFlag{Name: "provider", Usage: "google, outlook or apple.", Required: true},
					&cli.StringFlag{Name: "calendar", Usage: "Calendar id, mailbox calendar id or CalDAV calendar name.", Required: true},
				}, credentialFlags()...), settingsFlags()...),
				Action: withEngine(func(c *cli.Context, e *engine) error {
					settings := models.SyncSettings{
						FrequencyMinutes: c.Int("frequency"),
						AutoImport:       c.Bool("auto-import"),
						AutoExport:       c.Bool("auto-export"),
						ConflictMode:     models.ConflictMode(c.String("conflict-mode")),
					}
					rec, err := e.service.Register(c.Context, integrations.RegisterRequest{
						CoachID:     c.String("coach"),
						Provider:    models.Provider(c.String("provider")),
						CalendarID:  c.String("calendar"),
						Credentials: credentialsFrom(c),
						Settings:    &settings,
					})
					if err != nil {
						return fmt.Errorf("failed to register integration: %w", err)
					}
					printIntegration(rec)
					return nil
				}),
			},
			{
				Name:  "list",
				Usage: "List a coach's integrations with their status.",
				Flags: []cli.Flag{coachFlag()},
				Action: withEngine(func(c *cli.Context, e *engine) error {
					recs, err := e.service.List(c.Context, c.String("coach"))
					if err != nil {
						return err
					}
					for i := range recs {
						printIntegration(&recs[i])
					}
					return nil
				}),
			},
			{
				Name:  "update",
				Usage: "Change the calendar, credentials or settings of an integration.",
				Flags: append(append([]cli.Flag{
					idFlag(),
					&cli.StringFlag{Name: "calendar", Usage: "New calendar id."},
					&cli.BoolFlag{Name: "active", Usage: "Activate or deactivate."},
				}, credentialFlags()...), settingsFlags()...),
				Action: withEngine(func(c *cli.Context, e *engine) error {
					current, err := e.store.GetIntegration(c.Context, c.String("id"))
					if err != nil {
						return err
					}
					patch, err := patchFrom(c, current)
					if err != nil {
						return err
					}
					rec, err := e.service.Update(c.Context, current.ID, patch)
					if err != nil {
						return fmt.Errorf("failed to update integration: %w", err)
					}
					printIntegration(rec)
					return nil
				}),
			},
			{
				Name:  "deactivate",
				Usage: "Stop syncing an integration but keep its events.",
				Flags: []cli.Flag{idFlag()},
				Action: withEngine(func(c *cli.Context, e *engine) error {
					return e.service.Deactivate(c.Context, c.String("id"))
				}),
			},
			{
				Name:  "delete",
				Usage: "Delete an integration and its synced events.",
				Flags: []cli.Flag{idFlag()},
				Action: withEngine(func(c *cli.Context, e *engine) error {
					return e.service.Delete(c.Context, c.String("id"))
				}),
			},
			{
				Name:  "test",
				Usage: "Test an integration's connection.",
				Flags: []cli.Flag{idFlag()},
				Action: withEngine(func(c *cli.Context, e *engine) error {
					ok, err := e.service.TestConnection(c.Context, c.String("id"))
					if err != nil {
						return err
					}
					fmt.Printf("connection ok: %t\n", ok)
					return nil
				}),
			},
		},
	}
}

// patchFrom builds an update from the flags the user actually set.
func patchFrom(c *cli.Context, current *models.Integration) (models.IntegrationPatch, error) {
	var patch models.IntegrationPatch
	if c.IsSet("calendar") {
		v := c.String("calendar")
		patch.CalendarID = &v
	}
	if c.IsSet("active") {
		v := c.Bool("active")
		patch.IsActive = &v
	}
	credentialFlagSet := false
	for _, name := range []string{"api-key", "access-token", "refresh-token", "username", "password"} {
		credentialFlagSet = credentialFlagSet || c.IsSet(name)
	}
	if credentialFlagSet {
		creds := credentialsFrom(c)
		patch.Credentials = &creds
	}

	settings := current.Settings
	settingsSet := false
	if c.IsSet("frequency") {
		settings.FrequencyMinutes = c.Int("frequency")
		settingsSet = true
	}
	if c.IsSet("auto-import") {
		settings.AutoImport = c.Bool("auto-import")
		settingsSet = true
	}
	if c.IsSet("auto-export") {
		settings.AutoExport = c.Bool("auto-export")
		settingsSet = true
	}
	if c.IsSet("conflict-mode") {
		settings.ConflictMode = models.ConflictMode(c.String("conflict-mode"))
		settingsSet = true
	}
	if settingsSet {
		patch.Settings = &settings
	}
	if patch == (models.IntegrationPatch{}) {
		return patch, fmt.Errorf("nothing to update")
	}
	return patch, nil
}

func printIntegration(rec *models.Integration) {
	lastSync := "never"
	if rec.LastSyncAt != nil {
		lastSync = rec.LastSyncAt.Format(time.RFC3339)
	}
	fmt.Printf("%s\t%s\t%s\t%s\t%s\tlast sync %s\n", rec.ID, rec.CoachID, rec.Provider, rec.CalendarID, rec.Status(), lastSync)
	if rec.LastError != nil {
		fmt.Printf("\tlast error: %s\n", *rec.LastError)
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "integration", Usage: "Sync only this integration."},
			coachFlag(),
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds, honouring each integration's frequency."},
		},
		Action: withEngine(func(c *cli.Context, e *engine) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if id := c.String("integration"); id != "" {
				res, err := e.syncer.SyncOne(ctx, id)
				if err != nil {
					return fmt.Errorf("sync failed: %w", err)
				}
				printResults([]syncer.SyncResult{res})
				return nil
			}

			// --watch flag takes precedence
			if c.IsSet("watch") {
				if c.Int("watch") <= 0 {
					return fmt.Errorf("--watch must be a positive number of seconds, got %d", c.Int("watch"))
				}
				interval := time.Duration(c.Int("watch")) * time.Second
				err := e.syncer.Watch(ctx, c.String("coach"), interval, printResults)
				if ctx.Err() != nil {
					e.logger.Info("Watcher stopped.")
					return nil
				}
				return err
			}

			e.logger.Info("Running a single sync cycle.")
			results, err := e.syncer.SyncAll(ctx, c.String("coach"))
			if err != nil {
				return fmt.Errorf("single sync cycle failed: %w", err)
			}
			printResults(results)
			return nil
		}),
	}
}

func printResults(results []syncer.SyncResult) {
	for _, r := range results {
		fmt.Printf("%s\t%s\tsuccess=%t\timported=%d\texported=%d\tconflicts=%d\n",
			r.IntegrationID, r.Provider, r.Success, r.EventsImported, r.EventsExported, r.ConflictsDetected)
		for _, msg := range r.Errors {
			fmt.Printf("\terror: %s\n", msg)
		}
	}
}

func windowFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "from", Usage: "First day (YYYY-MM-DD), default today."},
		&cli.StringFlag{Name: "to", Usage: "Last day (YYYY-MM-DD), default the end of the sync window."},
	}
}

// window turns the --from/--to days into [start, end) in the coach's zone.
func window(c *cli.Context, e *engine) (time.Time, time.Time, error) {
	loc := e.cfg.Location
	now := time.Now().In(loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, e.cfg.WindowDays)

	if v := c.String("from"); v != "" {
		t, err := time.ParseInLocation(models.DateLayout, v, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from date: %w", err)
		}
		start = t
	}
	if v := c.String("to"); v != "" {
		t, err := time.ParseInLocation(models.DateLayout, v, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to date: %w", err)
		}
		end = t.AddDate(0, 0, 1)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to must not be before --from")
	}
	return start, end, nil
}

func conflictsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conflicts",
		Usage: "List double bookings across the coach's calendars.",
		Flags: append([]cli.Flag{coachFlag()}, windowFlags()...),
		Action: withEngine(func(c *cli.Context, e *engine) error {
			coach, err := requireCoach(c)
			if err != nil {
				return err
			}
			start, end, err := window(c, e)
			if err != nil {
				return err
			}
			found, err := e.detector.Detect(c.Context, coach, start, end)
			if err != nil {
				return err
			}
			for _, cf := range found {
				printConflict(cf, e.cfg.Location)
			}
			if len(found) == 0 {
				fmt.Println("no conflicts")
			}
			return nil
		}),
	}
}

func printConflict(cf models.Conflict, loc *time.Location) {
	fmt.Printf("%s\t%s\t%s\t%q %s-%s\tvs %s %q %s-%s\toverlap %s\n",
		cf.Fingerprint(), cf.Severity, cf.Type,
		cf.Subject.Title, cf.Subject.Start.In(loc).Format("2006-01-02 15:04"), cf.Subject.End.In(loc).Format(models.TimeLayout),
		cf.Occupant.Provider, cf.Occupant.Title, cf.Occupant.Start.In(loc).Format("2006-01-02 15:04"), cf.Occupant.End.In(loc).Format(models.TimeLayout),
		cf.Overlap)
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "Cancel, reschedule or ignore a conflict by fingerprint.",
		Flags: append([]cli.Flag{
			coachFlag(),
			&cli.StringFlag{Name: "fingerprint", Usage: "Conflict fingerprint from the conflicts command.", Required: true},
			&cli.StringFlag{Name: "action", Usage: "cancel, reschedule or ignore.", Required: true},
			&cli.StringFlag{Name: "date", Usage: "Replacement date (YYYY-MM-DD) for reschedule."},
			&cli.StringFlag{Name: "start", Usage: "Replacement start (HH:MM) for reschedule."},
			&cli.StringFlag{Name: "end", Usage: "Replacement end (HH:MM) for reschedule."},
		}, windowFlags()...),
		Action: withEngine(func(c *cli.Context, e *engine) error {
			coach, err := requireCoach(c)
			if err != nil {
				return err
			}
			action, err := conflicts.ParseAction(c.String("action"))
			if err != nil {
				return err
			}
			start, end, err := window(c, e)
			if err != nil {
				return err
			}
			found, err := e.detector.Detect(c.Context, coach, start, end)
			if err != nil {
				return err
			}
			target, ok := conflicts.Find(found, c.String("fingerprint"))
			if !ok {
				return fmt.Errorf("no open conflict with fingerprint %s", c.String("fingerprint"))
			}

			var slot *models.Slot
			if c.IsSet("date") || c.IsSet("start") || c.IsSet("end") {
				slot = &models.Slot{Date: c.String("date"), StartTime: c.String("start"), EndTime: c.String("end")}
			}
			session := conflicts.NewSession(e.logger, e.store)
			if err := session.Resolve(c.Context, target, action, slot); err != nil {
				return fmt.Errorf("failed to %s conflict: %w", action, err)
			}
			fmt.Printf("%s: %s\n", target.Fingerprint(), session.State(target))
			return nil
		}),
	}
}

func appointmentCommand() *cli.Command {
	return &cli.Command{
		Name:  "appointment",
		Usage: "Manage the coach's appointment book.",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Book an appointment.",
				Flags: []cli.Flag{
					coachFlag(),
					&cli.StringFlag{Name: "title", Usage: "Appointment title."},
					&cli.StringFlag{Name: "date", Usage: "Date (YYYY-MM-DD).", Required: true},
					&cli.StringFlag{Name: "start", Usage: "Start (HH:MM).", Required: true},
					&cli.StringFlag{Name: "end", Usage: "End (HH:MM).", Required: true},
				},
				Action: withEngine(func(c *cli.Context, e *engine) error {
					coach, err := requireCoach(c)
					if err != nil {
						return err
					}
					slot := models.Slot{Date: c.String("date"), StartTime: c.String("start"), EndTime: c.String("end")}
					if err := slot.Validate(); err != nil {
						return err
					}
					appt := &models.Appointment{
						CoachID:   coach,
						Title:     c.String("title"),
						Date:      slot.Date,
						StartTime: slot.StartTime,
						EndTime:   slot.EndTime,
					}
					if err := e.store.CreateAppointment(c.Context, appt); err != nil {
						return err
					}
					fmt.Println(appt.ID)
					return nil
				}),
			},
			{
				Name:  "list",
				Usage: "List appointments.",
				Flags: []cli.Flag{
					coachFlag(),
					&cli.StringFlag{Name: "from", Usage: "First day (YYYY-MM-DD)."},
					&cli.StringFlag{Name: "to", Usage: "Last day (YYYY-MM-DD)."},
				},
				Action: withEngine(func(c *cli.Context, e *engine) error {
					appts, err := e.store.ListAppointments(c.Context, c.String("coach"), c.String("from"), c.String("to"))
					if err != nil {
						return err
					}
					for _, a := range appts {
						fmt.Printf("%s\t%s %s-%s\t%s\t%q\n", a.ID, a.Date, a.StartTime, a.EndTime, a.Status, a.Title)
					}
					return nil
				}),
			},
		},
	}
}
