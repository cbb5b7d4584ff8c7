// Package process supervises the tracking service binary when motionlink
// runs it itself (tracking.service.managed).
//
// A Supervisor starts the binary in its own process group, logs its output
// line by line and restarts it when it exits unexpectedly. Restarts back off
// exponentially from RestartDelay up to MaxRestartDelay; a run that lasted
// longer than StableThreshold resets the backoff. An optional health check,
// normally a dial of the service address, acts as a watchdog: after
// MaxHealthFailures consecutive failures the service is terminated and
// restarted.
//
// Stopping sends SIGTERM to the whole process group, then SIGKILL once
// GracefulTimeout has passed.
//
// Example usage:
//
//	pcfg := process.ConfigFromService("trackd", cfg.Tracking.Service)
//	pcfg.HealthCheckFunc = func(ctx context.Context) error {
//	    return trackd.Probe(ctx, cfg.Tracking.Transport, cfg.Tracking.Address)
//	}
//	sup := process.New(pcfg, logger)
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop()
package process
