package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/ppopth/qrstream"
	"github.com/ppopth/qrstream/host"
	"github.com/ppopth/qrstream/session"

	"github.com/libp2p/go-libp2p/core/peer"
)

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	ef := addEncodeFlags(fs)
	addr := fs.String("c", "", "receiver address, e.g. 127.0.0.1:7001")
	listen := fs.Uint("l", 0, "local UDP port (default: any)")
	mode := fs.String("mode", "datagram", "transport mode: datagram or stream")
	interval := fs.Duration("interval", 5*time.Millisecond, "pause between frames")
	rounds := fs.Int("rounds", 0, "times to send the whole frame sequence (0: until interrupted)")
	loss := fs.Float64("loss", 0, "fraction of datagrams to drop on purpose")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Parse(args)
	setupLogging(*logLevel)

	if fs.NArg() != 1 {
		return errors.New("send takes exactly one input file")
	}
	if *addr == "" {
		return errors.New("send needs a receiver address (-c)")
	}
	input := fs.Arg(0)

	params, err := ef.params()
	if err != nil {
		return err
	}
	transportMode, err := host.ParseTransportMode(*mode)
	if err != nil {
		return err
	}
	if limit := host.MaxChunkSize(transportMode.MaxFrameLen()); params.ChunkSize > limit {
		return fmt.Errorf("-chunk-size %d does not fit %s frames, use at most %d", params.ChunkSize, transportMode, limit)
	}
	remote, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	transfer, err := qrstream.Encode(ctx, filepath.Base(input), data, params)
	if err != nil {
		return err
	}

	h, err := host.NewHost(
		host.WithAddrPort(netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(*listen))),
		host.WithTransportMode(transportMode),
		host.WithLossRate(*loss),
	)
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	defer h.Close()

	peerID, conn, err := h.Connect(ctx, remote)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", remote, err)
	}
	fmt.Printf("sending %d frames of %q to %s\n", len(transfer.Frames), transfer.Filename, peerID)

	start := time.Now()
	err = host.SendFrames(ctx, conn, transfer.Frames, *interval, *rounds)
	stats := h.Stats()
	fmt.Printf("sent %d frames (%d bytes), dropped %d, in %s\n",
		stats.FramesSent, stats.BytesSent, stats.FramesDropped, elapsed(start))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runRecv(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("recv", flag.ExitOnError)
	listen := fs.Uint("l", host.DefaultPort, "local UDP port")
	mode := fs.String("mode", "datagram", "transport mode: datagram or stream")
	outDir := fs.String("o", ".", "directory to write the received file into")
	legacy := fs.Bool("legacy-threshold", false, "wait until at most half of a segment's parity chunks are missing")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Parse(args)
	setupLogging(*logLevel)

	transportMode, err := host.ParseTransportMode(*mode)
	if err != nil {
		return err
	}

	var opts []session.Option
	if *legacy {
		opts = append(opts, session.WithLegacyErasureLimit())
	}
	sess, err := newSession(opts...)
	if err != nil {
		return err
	}

	h, err := host.NewHost(
		host.WithAddrPort(netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(*listen))),
		host.WithTransportMode(transportMode),
	)
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	defer h.Close()
	fmt.Printf("waiting for frames on %s as %s\n", h.LocalAddr(), h.ID())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	failed := make(chan error, 1)
	h.SetPeerHandlers(func(p peer.ID, conn host.Connection) {
		fmt.Printf("sender %s connected from %s\n", p, conn.RemoteAddr())
		go func() {
			err := host.ReceiveFrames(ctx, conn, sess)
			if err != nil && ctx.Err() == nil && sess.State() == session.StateFailed {
				failed <- err
			}
		}()
	}, func(p peer.ID) {
		fmt.Printf("sender %s disconnected\n", p)
	})

	select {
	case <-sess.Done():
	case err := <-failed:
		return err
	case <-ctx.Done():
		if missing := sess.MissingFrames(); len(missing) > 0 {
			warnf("Missing frames: %s\n", formatIndices(missing))
		}
		return ctx.Err()
	}

	result, err := sess.Result()
	if err != nil {
		return err
	}
	path, err := writeResult(*outDir, result)
	if err != nil {
		return err
	}
	okf("Wrote %s\n", path)
	return nil
}
