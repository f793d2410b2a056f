// Command tabserve serves a tabular data engine over TCP, framing the
// RPC protocol onto accepted connections.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"go.tabserve.dev/core/api"
	"go.tabserve.dev/core/engine"
	mbp "go.tabserve.dev/core/mainboilerplate"
	"go.tabserve.dev/core/rpc"
	"go.tabserve.dev/core/store"
	"go.tabserve.dev/core/transport"
	"golang.org/x/sync/errgroup"
)

var config = struct {
	Serve struct {
		Address    string `long:"address" env:"ADDRESS" default:":8585" description:"Address to listen on"`
		DB         string `long:"db" env:"DB" default:"tabserve.db" description:"Path of the SQLite database"`
		MaxHandles int    `long:"max-handles" env:"MAX_HANDLES" default:"0" description:"Bound of pooled store handles (0 is unbounded)"`
	} `group:"Serve" namespace:"serve" env-namespace:"SERVE"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}{}

func main() {
	var parser = flags.NewParser(&config, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
	mbp.InitLog(config.Log)

	var pool = store.NewPool(store.Open(config.Serve.DB), config.Serve.MaxHandles)
	var eng, err = engine.New(context.Background(), pool, engine.Config{})
	mbp.Must(err, "failed to initialize engine", "db", config.Serve.DB)

	var listener net.Listener
	listener, err = net.Listen("tcp", config.Serve.Address)
	mbp.Must(err, "failed to listen", "address", config.Serve.Address)

	log.WithFields(log.Fields{
		"address": listener.Addr(),
		"db":      config.Serve.DB,
	}).Info("serving tabserve engine")

	var grp, ctx = errgroup.WithContext(context.Background())

	grp.Go(func() error {
		var sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("shutting down")
		case <-ctx.Done():
		}
		return listener.Close()
	})
	grp.Go(func() error {
		for {
			var conn, err = listener.Accept()
			if err != nil {
				return err
			}
			go serveConn(eng, conn)
		}
	})

	if err = grp.Wait(); err != nil {
		log.WithField("err", err).Info("listener closed")
	}
	_ = pool.Close()
}

func serveConn(eng *engine.Engine, conn net.Conn) {
	var id = uuid.NewString()
	var fields = log.Fields{"conn": id, "remote": conn.RemoteAddr()}
	log.WithFields(fields).Info("connection accepted")

	var ft = transport.NewFramed(conn, transport.FramedConfig{})
	var rc = rpc.NewConn(ft)
	_ = api.NewServer(eng, rc)

	ft.Serve(rc.Dispatch)

	fields["reason"] = ft.DisconnectReason()
	log.WithFields(fields).Info("connection closed")
}
