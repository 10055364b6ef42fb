// Package client is the Go SDK for coordinating edits of a shared,
// grid-partitioned world through a bwlockd-compatible lock server.
//
// A Client holds one session to the server. It mirrors every lock in the
// current lock space, answers ownership and writability questions about grid
// cells locally, and fans out a cache invalidation to every subscriber on its
// cachebus.Bus whenever the mirrored state may have changed.
//
// # Quick start
//
//	cli, err := client.New(client.Config{
//	    Server: "locks.studio.local",
//	    Space:  "spaces/highlands",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	if err := cli.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	msg, err := cli.Lock(ctx, region.GridRect{MinX: 0, MinZ: 0, MaxX: 4, MaxZ: 4}, "forest pass")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Println(msg)
//
// Server-pushed changes are applied by Tick, TickAll or Run. Until one of them
// is called the mirror only changes while a command is waiting for its reply.
//
// Cells are addressed by integer grid coordinates (x, z). Lock requests are
// half-open selections padded by the configured extents on every side; a cell
// is writable when this machine holds it and every cell within the extents
// around it.
package client
