package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/loorksy/whatsapp-bot-backend/internal/actionqueue"
	"github.com/loorksy/whatsapp-bot-backend/internal/config"
	"github.com/loorksy/whatsapp-bot-backend/internal/control"
	"github.com/loorksy/whatsapp-bot-backend/internal/enrich"
	"github.com/loorksy/whatsapp-bot-backend/internal/httpapi"
	"github.com/loorksy/whatsapp-bot-backend/internal/observability/pprof"
	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
	"github.com/loorksy/whatsapp-bot-backend/internal/transport/telegram"
	"github.com/loorksy/whatsapp-bot-backend/internal/transport/whatsapp"
	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

const (
	defaultRecentWindow   = 2000
	defaultInboundBuffer  = 256
	defaultLookback       = time.Hour
	defaultPersistTimeout = 2 * time.Second
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:        l.Chat.Enabled,
			ConversationID: l.Chat.ConversationID,
			MinLevel:       l.Chat.MinLevel,
			RatePerSec:     l.Chat.RatePerSec,
		},
	}
}

// mapSettings builds the settings in effect before the first start.
func mapSettings(d config.DefaultsConfig) (control.Settings, error) {
	s := control.DefaultSettings()
	if d.Mode != "" {
		s.Mode = control.Mode(strings.ToLower(d.Mode))
	}
	if strings.TrimSpace(d.Emoji) != "" {
		s.Emoji = strings.TrimSpace(d.Emoji)
	}
	s.ReplyText = d.ReplyText
	if d.Threshold != nil {
		s.Threshold = control.NormalizeThreshold(*d.Threshold)
	}
	cooldown, err := config.ParseDurationOrDefault("defaults.cooldown", d.Cooldown, s.Cooldown)
	if err != nil {
		return control.Settings{}, err
	}
	s.Cooldown = cooldown
	if d.RateLimit > 0 {
		s.RateLimit = d.RateLimit
	}
	s.RequiredTerms = append([]string(nil), d.RequiredTerms...)
	s.ExcludedTerms = append([]string(nil), d.ExcludedTerms...)
	if d.NormalizeArabic != nil {
		s.NormalizeArabic = *d.NormalizeArabic
	}
	s.EnableOCR = d.EnableOCR
	s.DryRun = d.DryRun
	s.Archive.Limit = control.ClampArchiveLimit(d.ArchiveLimit)
	return s, nil
}

func mapControlOptions(cfg *config.Config) (control.Options, error) {
	defaults, err := mapSettings(cfg.Defaults)
	if err != nil {
		return control.Options{}, err
	}
	stop := true
	if cfg.Pipeline.StopOnDisconnect != nil {
		stop = *cfg.Pipeline.StopOnDisconnect
	}
	return control.Options{
		Defaults:         defaults,
		EmptySelection:   control.EmptySelection(cfg.Pipeline.EmptySelection),
		StopOnDisconnect: stop,
	}, nil
}

func mapDrainInterval(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("pipeline.drain_interval", cfg.Pipeline.DrainInterval, actionqueue.DefaultInterval)
}

func recentWindow(cfg *config.Config) int {
	switch n := cfg.Pipeline.RecentWindow; {
	case n < 0:
		return 0
	case n == 0:
		return defaultRecentWindow
	default:
		return n
	}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	s := cfg.Server
	read, err := config.ParseDurationField("server.read_timeout", s.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("server.write_timeout", s.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	shutdown, err := config.ParseDurationField("server.shutdown_timeout", s.ShutdownTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:            s.Addr,
		APIKey:          s.APIKey,
		ReadTimeout:     read,
		WriteTimeout:    write,
		ShutdownTimeout: shutdown,
	}, nil
}

// buildOCR returns nil when enrichment is not configured.
func buildOCR(cfg *config.Config) (enrich.Extractor, error) {
	e := cfg.Enrichment
	if strings.TrimSpace(e.URL) == "" {
		return nil, nil
	}
	timeout, err := config.ParseDurationField("enrichment.timeout", e.Timeout)
	if err != nil {
		return nil, err
	}
	c, err := enrich.NewClient(enrich.Config{
		URL:        e.URL,
		Token:      e.Token,
		Languages:  e.Languages,
		Timeout:    timeout,
		RatePerSec: e.RatePerSec,
		MaxBytes:   e.MaxBytes,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func buildTransport(cfg *config.Config, log logx.Logger) (transport.Transport, error) {
	t := cfg.Transport
	switch t.Kind {
	case "telegram":
		if t.Telegram == nil {
			return nil, fmt.Errorf("transport.telegram is required")
		}
		poll, err := config.ParseDurationOrDefault("transport.telegram.poll_timeout", t.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{Token: t.Telegram.Token, PollTimeout: poll}, log)
	case "whatsapp", "":
		if t.WhatsApp == nil {
			return nil, fmt.Errorf("transport.whatsapp is required")
		}
		reqTimeout, err := config.ParseDurationField("transport.whatsapp.request_timeout", t.WhatsApp.RequestTimeout)
		if err != nil {
			return nil, err
		}
		reconnectMax, err := config.ParseDurationField("transport.whatsapp.reconnect_max", t.WhatsApp.ReconnectMax)
		if err != nil {
			return nil, err
		}
		return whatsapp.New(whatsapp.Config{
			URL:            t.WhatsApp.URL,
			Token:          t.WhatsApp.Token,
			RequestTimeout: reqTimeout,
			ReconnectMax:   reconnectMax,
		}, log)
	default:
		return nil, fmt.Errorf("unknown transport.kind: %s", t.Kind)
	}
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, bool) {
	p := cfg.Debug.Pprof
	return pprof.Config{
		Addr:                 p.Addr,
		Prefix:               p.Prefix,
		Token:                p.Token,
		AllowInsecure:        p.AllowInsecure,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
	}, p.Enabled
}
