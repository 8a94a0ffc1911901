// Command uaecho brings up either side of a loopback OPC UA TCP connection
// and exchanges echo requests over it, grounded on
// absmach-magistrala/cmd/opcua/main.go's env.Parse(&cfg)-then-bootstrap
// shape but trimmed to this module's own transport layer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opcua-io/uatransport"
	"github.com/opcua-io/uatransport/channel"
	"github.com/opcua-io/uatransport/client"
	"github.com/opcua-io/uatransport/config"
	"github.com/opcua-io/uatransport/log"
	"github.com/opcua-io/uatransport/metrics"
	"github.com/opcua-io/uatransport/securitypolicy"
	"github.com/opcua-io/uatransport/server"
)

func main() {
	mode := flag.String("mode", "serve", "serve | echo")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "uaecho: failed to load configuration: %s\n", err)
		os.Exit(1)
	}
	logger := log.New(os.Stderr, cfg.LogLevel)

	switch *mode {
	case "serve":
		runServer(cfg, logger)
	case "echo":
		runEcho(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "uaecho: unknown -mode %q (want serve or echo)\n", *mode)
		os.Exit(1)
	}
}

type allowAllEndpoints struct{}

func (allowAllEndpoints) Resolve(string) bool { return true }

func transportConfig(cfg config.Transport) uatransport.Config {
	return uatransport.Config{
		MaxChunkSize:   cfg.MaxChunkSize,
		MaxChunkCount:  cfg.MaxChunkCount,
		MaxMessageSize: cfg.MaxMessageSize,
	}
}

// runServer listens on cfg.ListenAddr, accepts connections, and answers
// every MSG request by echoing its body back unchanged. The accept loop and
// the metrics endpoint run under one errgroup so either's failure tears the
// other down, matching absmach-magistrala/cmd/opcua/main.go's
// errgroup.WithContext service-lifecycle pattern.
func runServer(cfg config.Transport, logger log.Logger) {
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", err, log.Str("addr", cfg.ListenAddr))
		os.Exit(1)
	}

	var srv *server.Server
	m := metrics.New("server", func() float64 { return float64(srv.PendingCount()) })
	srv = server.NewServer(listener, server.Config{
		Resolver:            allowAllEndpoints{},
		Policy:              securitypolicy.None{},
		Mode:                uatransport.SecurityModeNone,
		Transport:           transportConfig(cfg),
		TokenLifetimeMillis: cfg.TokenLifetimeMillis,
		Metrics:             m,
		Logger:              logger,
		Handler: func(ctx context.Context, ch *channel.SecureChannel, requestID uint32, body []byte) ([]byte, error) {
			return body, nil
		},
	})

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(m)}

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		<-gctx.Done()
		_ = srv.Stop()
		return metricsSrv.Close()
	})
	g.Go(func() error {
		logger.Info("listening", log.Str("addr", cfg.ListenAddr))
		return srv.Start()
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("server stopped", err)
		os.Exit(1)
	}
}

// runEcho dials cfg.EndpointURL, performs the HEL/ACK/OPN handshake, sends
// one request, and prints the echoed response.
func runEcho(cfg config.Transport, logger log.Logger) {
	network, address, err := splitEndpointURL(cfg.EndpointURL)
	if err != nil {
		logger.Error("invalid endpoint URL", err, log.Str("endpoint", cfg.EndpointURL))
		os.Exit(1)
	}

	var cl *client.Client
	m := metrics.New("client", func() float64 { return float64(cl.PendingCount()) })

	var dialer net.Dialer
	cl = client.NewClient(client.Config{
		EndpointURL:         cfg.EndpointURL,
		Network:             network,
		Address:             address,
		Policy:              securitypolicy.None{},
		Mode:                uatransport.SecurityModeNone,
		Transport:           transportConfig(cfg),
		TokenLifetimeMillis: cfg.TokenLifetimeMillis,
		Metrics:             m,
	}, dialer.DialContext)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(m)}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", err, log.Str("addr", cfg.MetricsAddr))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cl.Connect(ctx); err != nil {
		logger.Error("connect failed", err)
		os.Exit(1)
	}
	defer cl.Disconnect(context.Background())

	future, err := cl.Send(ctx, uatransport.MessageSecure, []byte("ping from uaecho"))
	if err != nil {
		logger.Error("send failed", err)
		os.Exit(1)
	}
	result, err := future.Wait()
	if err != nil {
		logger.Error("request failed", err)
		os.Exit(1)
	}
	body, _ := result.([]byte)
	logger.Info("echo reply", log.Str("body", string(body)))
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

func splitEndpointURL(endpointURL string) (network, address string, err error) {
	// opc.tcp://host:port -> tcp, host:port. Full endpoint URL parsing (path,
	// query) belongs to the DataModel layer this module treats as opaque.
	const prefix = "opc.tcp://"
	if len(endpointURL) <= len(prefix) || endpointURL[:len(prefix)] != prefix {
		return "", "", errors.New("endpoint URL must start with opc.tcp://")
	}
	return "tcp", endpointURL[len(prefix):], nil
}
