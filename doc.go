// Package gridlock holds the application-level pieces around the gridlock
// client: file and environment driven configuration, OpenTelemetry setup and
// an in-process lock server used by tests and `gridlock devserver`.
//
// The client itself lives in package client. It keeps a session to a
// bwlockd-compatible lock server, mirrors every lock held in a lock space and
// fans out cache invalidations through package cachebus. Rectangle algebra is
// in package region.
//
// # Configuration
//
// Config mirrors the CLI flags and the YAML file at DefaultConfigPath. Every
// key can be overridden through GRIDLOCK_ prefixed environment variables
// (GRIDLOCK_SERVER, GRIDLOCK_SPACE, ...).
//
//	cfg := gridlock.DefaultConfig()
//	cfg.Server = "locks.studio.local"
//	cfg.Space = "spaces/highlands"
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//	cli, err := client.New(cfg.ClientConfig())
//
// The lock space sent to the server is the space joined with its branch tag.
// The tag comes from <space_root>/<space>/CVS/Tag unless Config.Branch is set,
// and defaults to MAIN.
//
// # Telemetry
//
// SetupTelemetry installs global tracer and meter providers. Client spans are
// exported over OTLP when an endpoint is configured; session counters are
// served in Prometheus format when a metrics listen address is configured.
//
//	tel, err := gridlock.SetupTelemetry(ctx, gridlock.TelemetryConfig{
//	    MetricsListen: ":9464",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Test server
//
// StartTestServer runs a lock server on a loopback port for the lifetime of a
// test. It keeps a lock table per lock space, rejects locks overlapping
// another computer's locks, broadcasts lock changes to every connection in
// the space before replying and can inject faults.
//
//	ts := gridlock.StartTestServer(t)
//	cli, err := ts.NewClient(client.Config{Space: "spaces/test", Username: "alice"})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer cli.Close()
//	if err := cli.Connect(ctx); err != nil {
//	    t.Fatal(err)
//	}
package gridlock
