// Command octun is the SSL VPN client: it authenticates out of band, brings
// up a tun device, and runs the mainloop over a CSTP stream (TLS or
// WebSocket) with an opportunistic DTLS datagram path beside it.
package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/urfave/cli/v2"

	"github.com/octungo/octun/cstp"
	"github.com/octungo/octun/dtls"
	"github.com/octungo/octun/keepalive"
	"github.com/octungo/octun/mainloop"
	"github.com/octungo/octun/packet"
	"github.com/octungo/octun/tunif"
	"github.com/octungo/octun/wstunnel"
)

func main() {
	app := &cli.App{
		Name:  "octun",
		Usage: "SSL VPN client mainloop over CSTP with opportunistic DTLS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "server",
				Aliases:  []string{"s"},
				Usage:    "Gateway stream endpoint (host:port, or ws(s):// URL with --wss)",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "wss",
				Usage: "Carry the stream transport over a WebSocket instead of raw TLS",
			},
			&cli.BoolFlag{
				Name:  "insecure",
				Usage: "Skip TLS certificate verification",
			},
			&cli.StringFlag{
				Name:  "dtls-server",
				Usage: "Gateway datagram endpoint (host:port); empty disables DTLS",
			},
			&cli.StringFlag{
				Name:  "secret",
				Usage: "Hex session secret for the DTLS pre-shared key",
			},
			&cli.StringFlag{
				Name:    "tun-device",
				Aliases: []string{"t"},
				Usage:   "Name of the tunnel interface to create",
				Value:   "octun0",
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "Address to assign to the tunnel interface (CIDR)",
			},
			&cli.IntFlag{
				Name:  "mtu",
				Usage: "MTU for the tunnel interface",
				Value: 1406,
			},
			&cli.IntFlag{
				Name:  "keepalive",
				Usage: "Keepalive interval in seconds (0 disables)",
				Value: 20,
			},
			&cli.IntFlag{
				Name:  "dpd",
				Usage: "Dead peer detection interval in seconds (0 disables)",
				Value: 30,
			},
			&cli.IntFlag{
				Name:  "rekey",
				Usage: "Rekey interval in seconds (0 disables)",
			},
			&cli.IntFlag{
				Name:  "dtls-attempt-period",
				Usage: "Seconds between DTLS connection attempts",
				Value: 60,
			},
			&cli.IntFlag{
				Name:  "tos",
				Usage: "TOS byte to stamp on the datagram socket (0 leaves it alone)",
			},
			&cli.StringFlag{
				Name:  "pcap",
				Usage: "Capture tunnel traffic to this pcap file",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Logging level (silent, error, info, verbose)",
				Value:   "info",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode keeps the failure kinds distinguishable to scripts wrapping us.
func exitCode(err error) int {
	switch {
	case errors.Is(err, mainloop.ErrAborted):
		return 2
	case errors.Is(err, mainloop.ErrRemoteTerminated):
		return 3
	case errors.Is(err, mainloop.ErrAuthExpired):
		return 4
	case errors.Is(err, mainloop.ErrDeadPeer):
		return 5
	}
	return 1
}

func parseLevel(s string) (mainloop.LogLevel, error) {
	switch s {
	case "silent":
		return mainloop.LogLevelSilent, nil
	case "error":
		return mainloop.LogLevelError, nil
	case "info":
		return mainloop.LogLevelInfo, nil
	case "verbose":
		return mainloop.LogLevelVerbose, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func run(c *cli.Context) error {
	level, err := parseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	log := newLogger(level)

	ka := keepalive.Info{
		Rekey:     time.Duration(c.Int("rekey")) * time.Second,
		DPD:       time.Duration(c.Int("dpd")) * time.Second,
		Keepalive: time.Duration(c.Int("keepalive")) * time.Second,
	}

	// Flow queues shared by the transports and the tun handler.
	outQ := packet.NewQueue(64)
	inQ := packet.NewQueue(64)

	cmd, err := mainloop.NewCommand()
	if err != nil {
		return err
	}
	defer cmd.Close()

	// SIGHUP pauses and resumes the tunnel (transports are re-dialed);
	// SIGINT/SIGTERM abort it.
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				cmd.Pause()
			} else {
				cmd.Cancel()
			}
		}
	}()

	var tunCfg tunif.Config
	tunCfg.Name = c.String("tun-device")
	tunCfg.MTU = c.Int("mtu")
	tunCfg.PcapPath = c.String("pcap")
	if a := c.String("address"); a != "" {
		pfx, err := netip.ParsePrefix(a)
		if err != nil {
			return fmt.Errorf("bad --address: %w", err)
		}
		tunCfg.Addr = pfx
	}
	tun, err := tunif.Open(tunCfg, outQ, inQ, log)
	if err != nil {
		return err
	}

	var dgram *dtls.Transport
	if srv := c.String("dtls-server"); srv != "" {
		secret, err := hex.DecodeString(c.String("secret"))
		if err != nil || len(secret) == 0 {
			return errors.New("--dtls-server needs a hex --secret")
		}
		dcfg := dtls.Config{
			Server:      srv,
			Secret:      secret,
			PSKIdentity: "octun",
			Keepalive:   ka,
			Out:         outQ,
			In:          inQ,
			TOS:         c.Int("tos"),
		}
		if level >= mainloop.LogLevelVerbose {
			dcfg.LoggerFactory = logging.NewDefaultLoggerFactory()
		}
		dgram = dtls.NewTransport(dcfg, log)
	}

	dialStream := func() (mainloop.StreamTransport, error) {
		var nc net.Conn
		var err error
		if c.Bool("wss") {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			nc, err = wstunnel.Dial(ctx, c.String("server"), nil)
		} else {
			nc, err = tls.Dial("tcp", c.String("server"), &tls.Config{
				InsecureSkipVerify: c.Bool("insecure"),
			})
		}
		if err != nil {
			return nil, fmt.Errorf("stream dial: %w", err)
		}
		scfg := cstp.Config{Keepalive: ka, Out: outQ, In: inQ}
		if dgram != nil {
			scfg.DatagramActive = dgram.Established
		}
		return cstp.New(nc, scfg, log)
	}

	stream, err := dialStream()
	if err != nil {
		tun.Teardown()
		return err
	}

	opts := mainloop.Options{
		ReconnectTimeout:      300 * time.Second,
		ReconnectInterval:     10 * time.Second,
		DatagramAttemptPeriod: time.Duration(c.Int("dtls-attempt-period")) * time.Second,
	}
	var dg mainloop.DatagramTransport
	if dgram != nil {
		dg = dgram
	}
	sess, err := mainloop.NewSession(log, cmd, stream, dg, tun, opts)
	if err != nil {
		tun.Teardown()
		return err
	}

	for {
		if err := sess.Run(); err != nil {
			return err
		}
		// Paused: transports are closed, the device and session
		// survive. Re-dial and resume.
		log.Infof("Paused; re-dialing to resume")
		stream, err = dialStream()
		if err != nil {
			tun.Teardown()
			return err
		}
		if err := sess.Rebind(stream, dg); err != nil {
			tun.Teardown()
			return err
		}
	}
}
