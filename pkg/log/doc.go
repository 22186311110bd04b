/*
Package log provides structured logging for nanocl using zerolog.

A single package-level zerolog.Logger is configured once by Init and shared
by every component. Components derive child loggers carrying their own
fields instead of formatting context into messages:

	logger := log.WithComponent("ingress")
	logger.Info().Str("path", path).Msg("site written")

	entityLog := log.WithEntity("resource", "r1.global")
	entityLog.Warn().Err(err).Msg("projection skipped")

# Configuration

Level is one of debug, info, warn or error; unknown values fall back to
info. JSONOutput selects machine-readable output, otherwise a zerolog
ConsoleWriter with RFC3339 timestamps is used. Output defaults to stdout.

	log.Init(log.Config{
		Level:      cfg.Log.Level,
		JSONOutput: cfg.Log.JSON,
	})

Before Init is called the logger writes JSON to stdout at the global level,
which keeps library code usable from tests without setup.
*/
package log
