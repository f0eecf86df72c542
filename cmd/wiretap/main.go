// Command wiretap records the live manager event stream to a capture file
// for use as a test fixture, and sanitizes captures before they are
// committed.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sweeney/asterisk-panel/internal/ami"
)

func main() {
	host := pflag.String("host", "127.0.0.1", "Asterisk AMI host")
	port := pflag.Int("port", 5038, "Asterisk AMI port")
	user := pflag.StringP("user", "u", "admin", "AMI username")
	secret := pflag.StringP("secret", "s", "", "AMI secret")
	outDir := pflag.StringP("outdir", "o", "testdata/captures", "Output directory for captures")
	events := pflag.String("events", "on", "Event mask requested once logged in")
	duration := pflag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	sanitize := pflag.String("sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	pflag.Parse()

	if *sanitize != "" {
		if err := sanitizeFile(*sanitize); err != nil {
			fmt.Fprintf(os.Stderr, "sanitize error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sanitized:", *sanitize)
		return
	}

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: --secret is required")
		pflag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	if err := capture(ctx, addr, *user, *secret, *events, *outDir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// recorder appends frames to a capture file in wire format.
type recorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	frames int
	err    error
}

func (r *recorder) write(f ami.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	if _, err := r.w.Write(f.Encode()); err != nil {
		r.err = err
		return
	}
	r.frames++
}

func (r *recorder) flush() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = r.w.Flush()
	}
	return r.frames, r.err
}

func capture(ctx context.Context, addr, user, secret, events, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".raw")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	rec := &recorder{w: bufio.NewWriter(f)}
	client := ami.NewClient(addr,
		ami.WithHandler(rec.write),
		ami.WithEventMask(events),
		ami.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))),
	)

	fmt.Printf("connecting to %s...\n", addr)
	if err := client.Connect(ctx, user, secret); err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("writing to %s\n", filename)
	fmt.Println("streaming events (ctrl+c to stop)...")

	var lost error
	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Disconnect(stopCtx)
	case <-client.Done():
		lost = client.Err()
	}

	n, err := rec.flush()
	if err != nil {
		return fmt.Errorf("writing capture: %w", err)
	}
	fmt.Printf("captured %d frames\n", n)
	if lost != nil {
		return fmt.Errorf("connection ended: %w", lost)
	}
	return nil
}
