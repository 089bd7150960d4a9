package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/agentnet/docsync"
	"github.com/agentnet/docsync/bus"
	"github.com/agentnet/docsync/rga"
)

const DocSyncCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Set("logtostderr", "true")
	flag.Parse()
}

func main() {
	usage := `Doc sync control.

Runs a local bus or opens a document session against one.
The default url is http://127.0.0.1:7070

Usage:
    docsyncctl serve [--port=<port>] [--store=<store>]
    docsyncctl get [--url=<url>] [--jwt=<jwt>] --doc=<doc>
    docsyncctl append [--url=<url>] [--jwt=<jwt>] --doc=<doc> <text>
    docsyncctl watch [--url=<url>] [--jwt=<jwt>] --doc=<doc>
    docsyncctl save [--url=<url>] [--jwt=<jwt>] --doc=<doc>

Options:
    -h --help          Show this screen.
    --version          Show version.
    --port=<port>      Bus listen port [default: 7070].
    --store=<store>    Bus snapshot store path. Memory only when omitted.
    --url=<url>        Bus url.
    --jwt=<jwt>        Your platform JWT. Prompted when omitted on a tty.
    --doc=<doc>        Document id.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if append_, _ := opts.Bool("append"); append_ {
		appendText(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if save_, _ := opts.Bool("save"); save_ {
		save(opts)
	}
}

func serve(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	port, _ := opts.Int("--port")

	var store *bus.SnapshotStore
	if storePath, err := opts.String("--store"); err == nil && storePath != "" {
		var err error
		store, err = bus.OpenSnapshotStore(storePath)
		if err != nil {
			Err.Fatalf("cannot open store: %s", err)
		}
		defer store.Close()
	}

	server := bus.NewServer(ctx, store)
	defer server.Close()
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	if err := server.ListenAndServe(fmt.Sprintf(":%d", port)); err != nil {
		Err.Printf("%s", err)
	}
}

func get(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session := openSession(ctx, opts, "")
	defer session.provider.Destroy()

	Out.Printf("%s", session.replica.Text())
}

func appendText(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	text, _ := opts.String("<text>")

	session := openSession(ctx, opts, "")
	defer session.provider.Destroy()

	offset := utf8.RuneCountInString(session.replica.Text())
	if err := session.replica.Edit(offset, 0, text); err != nil {
		Err.Fatalf("edit: %s", err)
	}
	// give the sender a beat to drain before teardown
	time.Sleep(1 * time.Second)

	Out.Printf("%s", session.replica.Text())
}

func watch(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session := openSession(ctx, opts, "")
	defer session.provider.Destroy()

	Out.Printf("%s", session.replica.Text())
	removeChangeCallback := session.replica.AddChangeCallback(func(delta []byte, origin docsync.Origin) {
		if origin != docsync.OriginLocal {
			Out.Printf("---\n%s", session.replica.Text())
		}
	})
	defer removeChangeCallback()
	removeStatusCallback := session.provider.AddStatusCallback(func(status docsync.SyncStatus) {
		Err.Printf("status: %s", status)
	})
	defer removeStatusCallback()

	<-ctx.Done()
}

func save(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session := openSession(ctx, opts, "")
	defer session.provider.Destroy()

	if err := session.provider.Save(ctx); err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("saved")
}

type session struct {
	provider *docsync.SyncProvider
	replica *rga.Text
}

func openSession(ctx context.Context, opts docopt.Opts, initialContentHint string) *session {
	url := "http://127.0.0.1:7070"
	if url_, err := opts.String("--url"); err == nil && url_ != "" {
		url = url_
	}
	documentId, err := opts.String("--doc")
	if err != nil {
		Err.Fatalf("--doc is required")
	}

	auth := clientAuth(opts)
	clientId, err := auth.ClientId()
	if err != nil {
		Err.Fatalf("cannot derive client id: %s", err)
	}

	eventUrl := fmt.Sprintf("%s/events", url)
	subscribeUrl := fmt.Sprintf("%s/subscribe", httpToWs(url))
	transport := docsync.NewBusClient(ctx, eventUrl, subscribeUrl, auth)

	replica := rga.NewTextForClient(clientId)
	settings := docsync.DefaultSyncProviderSettings()
	settings.ResyncInterval = 30 * time.Second
	provider := docsync.NewSyncProviderWithSettings(ctx, transport, replica, documentId, clientId, settings)

	if err := provider.Initialize(ctx, initialContentHint); err != nil {
		// no remote record and no hint: an empty document, proceed
		Err.Printf("initialize: %s", err)
	}

	return &session{
		provider: provider,
		replica: replica,
	}
}

func clientAuth(opts docopt.Opts) *docsync.ClientAuth {
	jwt, _ := opts.String("--jwt")
	if jwt == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "jwt (empty for ephemeral): ")
		jwtBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err == nil {
			jwt = strings.TrimSpace(string(jwtBytes))
		}
	}
	if jwt == "" {
		jwt = ephemeralJwt()
	}
	return &docsync.ClientAuth{
		ByJwt: jwt,
		InstanceId: docsync.NewId(),
		AppVersion: DocSyncCtlVersion,
	}
}

// a throwaway identity for dev sessions against the local bus,
// which reads claims without verifying signatures
func ephemeralJwt() string {
	clientId := docsync.NewId()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": clientId.String(),
	})
	jwt, err := token.SignedString(clientId.Bytes())
	if err != nil {
		panic(err)
	}
	return jwt
}

func httpToWs(url string) string {
	if after, ok := strings.CutPrefix(url, "https://"); ok {
		return "wss://" + after
	}
	if after, ok := strings.CutPrefix(url, "http://"); ok {
		return "ws://" + after
	}
	return url
}
