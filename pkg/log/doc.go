/*
Package log provides structured logging for the instancer using zerolog.

A single package-level Logger is configured once at startup with Init and
then shared by every component. Components derive child loggers carrying a
fixed field so that a line can always be traced back to where it came from
and which instance it concerns.

# Configuration

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

Console output (the default) uses RFC3339 timestamps and is meant for
operators tailing a terminal. JSON output is meant for log shippers.

# Child Loggers

	logger := log.WithComponent("provisioner")
	logger.Info().
		Str("instance_id", id).
		Str("team_id", team).
		Msg("instance created")

	instLog := log.WithInstance(logger, id, challenge, team)
	instLog.Warn().Err(err).Msg("admission lock wait timed out")

Field names used across the code base:

	component    emitting package (api, admission, provisioner, reaper, ...)
	instance_id  12 hex character instance id
	team_id      authenticated team
	challenge    catalog name

# Levels

	debug  label queries, individual runtime calls
	info   instance lifecycle, startup and shutdown
	warn   tolerated anomalies (malformed groups, insecure catalog entries)
	error  failed provisioning, failed reaping, failed startup

The global level is process wide (zerolog.SetGlobalLevel), so Init affects
loggers derived before it was called.
*/
package log
