// Command agentctl is the device-side client for the citadel server.
package main

import (
	"context"
	"crypto/sha1" //nolint:gosec // content hash only, matches the server's digest
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type globals struct {
	addr     string
	caPath   string
	insecure bool
	timeout  time.Duration
}

func usage() {
	fmt.Fprintf(os.Stderr, `agentctl
Usage:
  agentctl -addr URL [-cacert file | -insecure] <cmd> [args]

Commands:
  version
  login       -email <email> -password <password>      (saves token)
  activate    -identifier <app> -device <id>
  deactivate  -identifier <app> -device <id> [-wait] [-interval 5s]
  sync        -out <file>                              (downloads when the hash changed)
  publish     -group <id> -in <file|->                 (admin)
`)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

// main dispatches subcommands.
func main() {
	g := globals{}
	flag.StringVar(&g.addr, "addr", "http://localhost:8080", "server base URL")
	flag.StringVar(&g.caPath, "cacert", "", "CA cert (PEM)")
	flag.BoolVar(&g.insecure, "insecure", false, "skip cert verify (dev)")
	flag.DurationVar(&g.timeout, "timeout", 30*time.Second, "per-request timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, g, flag.Arg(0), flag.Args()[1:], os.Stdout)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if errors.Is(err, errUsage) {
		usage()
		os.Exit(2)
	}
	if err != nil {
		fail(err)
	}
}

var errUsage = errors.New("usage")

func run(ctx context.Context, g globals, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "version":
		fmt.Fprintf(out, "agentctl %s (%s)\n", version, buildDate)
		return nil
	case "login":
		return cmdLogin(ctx, g, args, out)
	case "activate":
		return cmdActivate(ctx, g, args, out)
	case "deactivate":
		return cmdDeactivate(ctx, g, args, out)
	case "sync":
		return cmdSync(ctx, g, args, out)
	case "publish":
		return cmdPublish(ctx, g, args, out)
	default:
		return errUsage
	}
}

func authed(g globals) (*client, error) {
	token, err := loadToken()
	if err != nil {
		return nil, err
	}
	return newClient(g.addr, g.caPath, g.insecure, token)
}

func cmdLogin(ctx context.Context, g globals, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return errors.New("need -email and -password")
	}

	c, err := newClient(g.addr, g.caPath, g.insecure, "")
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	tok, exp, err := c.login(rctx, *email, *password)
	if err != nil {
		return err
	}

	// the token's own exp wins over the advertised one
	var claims jwt.RegisteredClaims
	_, _, _ = jwt.NewParser().ParseUnverified(tok, &claims)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	if exp.IsZero() {
		exp = time.Now().Add(15 * time.Minute)
	}
	if err := saveToken(tok, exp); err != nil {
		return err
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func deviceFlags(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	identifier := fs.String("identifier", "", "application identifier")
	device := fs.String("device", "", "device id")
	return fs, identifier, device
}

func cmdActivate(ctx context.Context, g globals, args []string, out io.Writer) error {
	fs, identifier, device := deviceFlags("activate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *identifier == "" || *device == "" {
		return errors.New("need -identifier and -device")
	}
	c, err := authed(g)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := c.activate(rctx, *identifier, *device); err != nil {
		return err
	}
	fmt.Fprintln(out, "activated")
	return nil
}

func cmdDeactivate(ctx context.Context, g globals, args []string, out io.Writer) error {
	fs, identifier, device := deviceFlags("deactivate")
	wait := fs.Bool("wait", false, "keep polling until approved")
	interval := fs.Duration("interval", 5*time.Second, "poll interval with -wait")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *identifier == "" || *device == "" {
		return errors.New("need -identifier and -device")
	}
	if *interval <= 0 {
		return errors.New("-interval must be positive")
	}
	c, err := authed(g)
	if err != nil {
		return err
	}

	for {
		rctx, cancel := context.WithTimeout(ctx, g.timeout)
		err := c.deactivate(rctx, *identifier, *device)
		cancel()
		switch {
		case err == nil:
			printJSON(out, map[string]string{"status": "approved"})
			return nil
		case !errors.Is(err, errPending):
			return err
		case !*wait:
			printJSON(out, map[string]string{"status": "pending"})
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(*interval):
		}
	}
}

func fileSHA1(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New() //nolint:gosec // content hash only
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func cmdSync(ctx context.Context, g globals, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	dst := fs.String("out", "", "file to keep in sync")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dst == "" {
		return errors.New("need -out")
	}
	path, err := filepath.Abs(*dst)
	if err != nil {
		return err
	}
	c, err := authed(g)
	if err != nil {
		return err
	}
	st, err := loadState()
	if err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	remote, ok, err := c.configHash(rctx)
	if err != nil {
		return err
	}
	if !ok {
		printJSON(out, map[string]string{"status": "absent"})
		return nil
	}
	if st[path] == remote {
		// a locally edited file is re-fetched
		if local, err := fileSHA1(path); err == nil && local == remote {
			printJSON(out, map[string]string{"status": "unchanged", "sha1": remote})
			return nil
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".agentctl-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	h := sha1.New() //nolint:gosec // content hash only
	etag, ok, err := c.download(rctx, io.MultiWriter(tmp, h))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if !ok {
		printJSON(out, map[string]string{"status": "absent"})
		return nil
	}
	got := hex.EncodeToString(h.Sum(nil))
	if etag != "" && got != etag {
		return fmt.Errorf("payload digest mismatch: got %s, server sent %s", got, etag)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	st[path] = got
	if err := st.save(); err != nil {
		return err
	}
	printJSON(out, map[string]string{"status": "updated", "sha1": got})
	return nil
}

func cmdPublish(ctx context.Context, g globals, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	group := fs.Int64("group", 0, "group id")
	in := fs.String("in", "", "payload file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *group <= 0 || *in == "" {
		return errors.New("need -group and -in")
	}
	var r io.Reader = os.Stdin
	if *in != "-" {
		f, err := os.Open(*in)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	c, err := authed(g)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	sum, err := c.publish(rctx, *group, r)
	if err != nil {
		return err
	}
	printJSON(out, map[string]string{"sha1": sum})
	return nil
}
