package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mklimuk/atelier-pilot/pkg/api"
	"github.com/mklimuk/atelier-pilot/pkg/integration/calendar"
	"github.com/mklimuk/atelier-pilot/pkg/integration/discord"
	"github.com/mklimuk/atelier-pilot/pkg/integration/gmail"
	"github.com/mklimuk/atelier-pilot/pkg/integration/google"
	"github.com/mklimuk/atelier-pilot/pkg/integration/telegram"
	"github.com/mklimuk/atelier-pilot/pkg/jobs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, chat bots and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	log := logrus.WithField("component", "server")

	if a.bridge != nil {
		if err := a.bridge.Start(ctx); err != nil {
			return err
		}
	}

	// Chat bots are optional; a failing bot is logged and skipped.
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.ChatID, a.sync)
		if err != nil {
			log.WithError(err).Error("failed to create Telegram bot")
		} else if err := bot.Start(); err != nil {
			log.WithError(err).Error("failed to start Telegram bot")
		} else {
			log.Info("Telegram bot started")
			a.fanout.Add(bot)
			defer bot.Stop()
		}
	}
	if cfg.Discord.Token != "" {
		bot, err := discord.NewBot(cfg.Discord.Token, cfg.Discord.ChannelID, a.sync)
		if err != nil {
			log.WithError(err).Error("failed to create Discord bot")
		} else if err := bot.Start(); err != nil {
			log.WithError(err).Error("failed to start Discord bot")
		} else {
			log.Info("Discord bot started")
			a.fanout.Add(bot)
			defer bot.Stop()
		}
	}

	if cfg.Calendar.Enabled() {
		syncer, err := newCalendarSyncer(ctx, a)
		if err != nil {
			return err
		}
		if err := syncer.Start(); err != nil {
			return err
		}
		defer syncer.Stop()
	}

	if cfg.Gmail.Enabled() {
		creds, err := google.LoadCredentials(cfg.Gmail.CredentialsFile, google.GmailModifyScope)
		if err != nil {
			return err
		}
		svc, err := gmail.NewService(ctx, cfg.Gmail.User, creds.Option(ctx, cfg.Gmail.User))
		if err != nil {
			return err
		}
		poller := gmail.NewPoller(svc, cfg.Gmail.Query, cfg.Gmail.Interval,
			gmail.LeadHandler(a.sync, cfg.Gmail.DefaultCollaborator))
		go poller.Start()
		defer poller.Stop()
	}

	runner, err := newRunner(a)
	if err != nil {
		return err
	}
	runner.Start()
	defer runner.Stop()

	var exporter api.Exporter
	if a.exporter != nil {
		exporter = a.exporter
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(a.sync, exporter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newCalendarSyncer(ctx context.Context, a *app) (*calendar.Syncer, error) {
	creds, err := google.LoadCredentials(a.cfg.Calendar.CredentialsFile, google.CalendarEventsScope)
	if err != nil {
		return nil, err
	}
	svc, err := calendar.NewService(ctx, a.cfg.Calendar.CalendarID, creds.Option(ctx, ""))
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"component":   "server",
		"calendar_id": a.cfg.Calendar.CalendarID,
		"account":     creds.Email(),
	}).Info("calendar mirror enabled")
	return calendar.NewSyncer(svc, a.store, a.cfg.Location(), a.cfg.Calendar.Interval), nil
}

func newRunner(a *app) (*jobs.Runner, error) {
	runner, err := jobs.NewRunner(a.cfg.Location())
	if err != nil {
		return nil, err
	}
	err = runner.Every(jobs.ReconcileLinks, a.cfg.Jobs.ReconcileInterval, func(ctx context.Context) error {
		_, err := a.sync.ReconcileAll(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	err = runner.Every(jobs.ResumeLeadClosures, a.cfg.Jobs.ResumeInterval, func(ctx context.Context) error {
		_, err := a.sync.ResumeLeadClosures(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if a.exporter != nil {
		err = runner.Cron(jobs.ExportSnapshot, a.cfg.Export.Cron, func(ctx context.Context) error {
			_, err := a.exporter.Export(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return runner, nil
}
