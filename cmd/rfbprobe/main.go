// Command rfbprobe speaks one side of the repeater handshake and then pipes
// stdin and stdout through the relay. Useful for poking at a running relay
// without a VNC client.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matst80/rfbrelay/internal/handshake"
	"github.com/matst80/rfbrelay/internal/obs"
)

type probeOptions struct {
	addr    string
	role    string
	id      string
	meta    string
	version string
	timeout time.Duration
}

func main() {
	// stdout carries relayed bytes
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	obs.SetLogger(zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.InfoLevel)))
	if err := newRootCmd().Execute(); err != nil {
		obs.Error("probe", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := probeOptions{}
	cmd := &cobra.Command{
		Use:           "rfbprobe",
		Short:         "Connect to an rfbrelay as a producer or consumer",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := dial(opts)
			if err != nil {
				return err
			}
			defer c.Close()
			return pipe(c, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "127.0.0.1:5500", "relay address for the chosen role")
	f.StringVar(&opts.role, "role", "producer", "producer or consumer")
	f.StringVar(&opts.id, "id", "", "repeater ID to match on")
	f.StringVar(&opts.meta, "meta", "", "metadata sent after the ID")
	f.StringVar(&opts.version, "version", "RFB 003.008", "version banner sent as producer")
	f.DurationVar(&opts.timeout, "timeout", 5*time.Second, "handshake timeout")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// dial connects and completes the role's handshake.
func dial(opts probeOptions) (net.Conn, error) {
	c, err := net.DialTimeout("tcp", opts.addr, opts.timeout)
	if err != nil {
		return nil, err
	}
	_ = c.SetDeadline(time.Now().Add(opts.timeout))
	if err := greet(c, opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	_ = c.SetDeadline(time.Time{})
	obs.Info("probe.identified", obs.Fields{"addr": opts.addr, "role": opts.role, "id": opts.id})
	return c, nil
}

func greet(rw io.ReadWriter, opts probeOptions) error {
	switch opts.role {
	case "producer":
		if _, err := rw.Write(handshake.EncodeID(opts.id, opts.meta)); err != nil {
			return fmt.Errorf("send id: %w", err)
		}
		if _, err := rw.Write(versionBanner(opts.version)); err != nil {
			return fmt.Errorf("send version: %w", err)
		}
	case "consumer":
		banner := make([]byte, handshake.VersionSize)
		if _, err := io.ReadFull(rw, banner); err != nil {
			return fmt.Errorf("read greeting: %w", err)
		}
		if got := handshake.ParseVersion(banner); got == "" {
			return fmt.Errorf("unexpected greeting %q", banner)
		}
		if _, err := rw.Write(handshake.EncodeID(opts.id, opts.meta)); err != nil {
			return fmt.Errorf("send id: %w", err)
		}
	default:
		return fmt.Errorf("unknown role %q", opts.role)
	}
	return nil
}

// versionBanner pads or cuts v to a newline-terminated 12 byte banner.
func versionBanner(v string) []byte {
	b := make([]byte, handshake.VersionSize)
	for i := range b {
		b[i] = ' '
	}
	copy(b[:handshake.VersionSize-1], v)
	b[handshake.VersionSize-1] = '\n'
	return b
}

// pipe copies in both directions until the relay side closes.
func pipe(c net.Conn, in io.Reader, out io.Writer) error {
	errc := make(chan error, 1)
	go func() {
		_, err := io.Copy(c, in)
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		if err != nil {
			errc <- err
		}
	}()
	_, err := io.Copy(out, c)
	select {
	case werr := <-errc:
		if err == nil {
			err = werr
		}
	default:
	}
	return err
}
