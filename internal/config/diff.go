package config

import (
	"reflect"
	"strings"

	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

// Restart-only sections. A reload that changes them is logged but takes
// effect on the next process start.
var restartSections = map[string]bool{
	"server":     true,
	"transport":  true,
	"enrichment": true,
	"storage":    true,
	"debug":      true,
}

// SummarizeChange lists the changed top-level sections and returns safe
// fields for logging. Tokens and keys are reported only as "set".
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, fields []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	fields = make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		fields = append(fields,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Bool("server.api_key_changed", oldCfg.Server.APIKey != newCfg.Server.APIKey),
		)
	}
	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		fields = append(fields, logx.String("transport.kind", newCfg.Transport.Kind))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		fields = append(fields,
			logx.String("pipeline.empty_selection", newCfg.Pipeline.EmptySelection),
			logx.String("pipeline.drain_interval", strings.TrimSpace(newCfg.Pipeline.DrainInterval)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Defaults, newCfg.Defaults) {
		changed = append(changed, "defaults")
	}
	if !reflect.DeepEqual(oldCfg.Enrichment, newCfg.Enrichment) {
		changed = append(changed, "enrichment")
		fields = append(fields, logx.Bool("enrichment.enabled", strings.TrimSpace(newCfg.Enrichment.URL) != ""))
	}
	if !reflect.DeepEqual(oldCfg.Backfill, newCfg.Backfill) {
		changed = append(changed, "backfill")
		fields = append(fields,
			logx.String("backfill.schedule", strings.TrimSpace(newCfg.Backfill.Schedule)),
			logx.String("backfill.lookback", strings.TrimSpace(newCfg.Backfill.Lookback)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		fields = append(fields, logx.Bool("debug.pprof", newCfg.Debug.Pprof.Enabled))
	}
	return changed, fields
}

// NeedsRestart reports the changed sections that only apply on restart.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
