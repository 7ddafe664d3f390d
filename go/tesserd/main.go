// tesserd serves the coordinator side of the cluster RPC layer: it
// mirrors the topology from Etcd, runs the shared dispatcher, and
// receives out-of-band answers from database servers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tesserdb/tesser/go/clustercomm"
	"github.com/tesserdb/tesser/go/hlc"
	"github.com/tesserdb/tesser/go/identity"
	"github.com/tesserdb/tesser/go/topology"
)

type args struct {
	Coordinator struct {
		ServerID    string `long:"server-id" env:"SERVER_ID" required:"true" description:"Cluster-unique ID of this coordinator"`
		Listen      string `long:"listen" env:"LISTEN" default:":8529" description:"Address to serve the answer endpoint on"`
		AuthSecret  string `long:"auth-secret" env:"AUTH_SECRET" description:"Shared cluster secret for inter-node authentication"`
		MaxInFlight int    `long:"max-in-flight" env:"MAX_IN_FLIGHT" default:"64" description:"Bound on concurrent outbound exchanges"`
	} `group:"Coordinator" namespace:"coordinator" env-namespace:"COORDINATOR"`

	Etcd struct {
		Address string        `long:"address" env:"ADDRESS" default:"http://localhost:2379" description:"Etcd service address"`
		Prefix  string        `long:"prefix" env:"PREFIX" default:"/tesser/topology" description:"Etcd prefix of the cluster topology"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"Timeout of the initial topology load"`
	} `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging output format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func main() {
	var opts args
	var parser = flags.NewParser(&opts, flags.Default)

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
	initLog(opts.Log.Level, opts.Log.Format)

	if err := serve(opts); err != nil {
		log.WithField("err", err).Fatal("tesserd failed")
	}
}

func serve(opts args) error {
	etcd, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{opts.Etcd.Address},
		DialTimeout: opts.Etcd.Timeout,
	})
	if err != nil {
		return fmt.Errorf("dialing etcd: %w", err)
	}
	defer func() { _ = etcd.Close() }()

	var loadCtx, loadCancel = context.WithTimeout(context.Background(), opts.Etcd.Timeout)
	topo, err := topology.NewMirror(loadCtx, etcd, opts.Etcd.Prefix)
	loadCancel()
	if err != nil {
		return fmt.Errorf("loading topology: %w", err)
	}
	defer topo.Stop()

	var comm = clustercomm.New(
		topo,
		identity.NewJWTProvider(opts.Coordinator.ServerID, []byte(opts.Coordinator.AuthSecret)),
		hlc.NewClock(),
		clustercomm.Config{MaxInFlight: opts.Coordinator.MaxInFlight},
	)
	defer comm.Stop()

	var mux = http.NewServeMux()
	mux.Handle(clustercomm.AnswerPath, comm.AnswerHandler([]byte(opts.Coordinator.AuthSecret)))
	mux.Handle("/metrics", promhttp.Handler())

	var server = &http.Server{Addr: opts.Coordinator.Listen, Handler: mux}

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	var errCh = make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	log.WithFields(log.Fields{
		"serverID": opts.Coordinator.ServerID,
		"listen":   opts.Coordinator.Listen,
		"etcd":     opts.Etcd.Address,
	}).Info("tesserd is serving")

	select {
	case sig := <-signalCh:
		log.WithField("signal", sig).Info("caught signal, shutting down")
	case err = <-errCh:
		return fmt.Errorf("answer server: %w", err)
	}

	var shutdownCtx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func initLog(level, format string) {
	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if parsed, err := log.ParseLevel(level); err == nil {
		log.SetLevel(parsed)
	}
}
