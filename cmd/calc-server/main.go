package main

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-amqprpc/calcrpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	host := flag.String("host", "", "broker host")
	port := flag.Int("port", 0, "broker port")
	directAddr := flag.String("direct-addr", "", "also serve JSON-RPC clients on this address")
	debug := flag.Bool("debug", false, "verbose development logging")
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "calc-server: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	config, err := calcrpc.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("loading configuration", zap.Error(err))
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			config.Host = *host
		case "port":
			config.Port = *port
		}
	})

	conn, err := calcrpc.Dial(config,
		calcrpc.WithConnectionLogger(logger),
		calcrpc.WithConnectionName("calc-server"))
	if err != nil {
		logger.Fatal("connecting to broker", zap.Error(err))
	}

	processor := calcrpc.NewProcessor(logger)
	server, err := calcrpc.NewServer(conn, config,
		calcrpc.WithServerLogger(logger),
		calcrpc.WithProcessor(processor))
	if err != nil {
		logger.Fatal("creating server", zap.Error(err))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})

	var direct *calcrpc.DirectServer
	if *directAddr != "" {
		lis, err := net.Listen("tcp", *directAddr)
		if err != nil {
			logger.Fatal("listening for direct clients", zap.String("addr", *directAddr), zap.Error(err))
		}
		direct, err = calcrpc.NewDirectServer(processor, logger.Named("direct"))
		if err != nil {
			logger.Fatal("creating direct server", zap.Error(err))
		}
		g.Go(func() error {
			return direct.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			return direct.Close()
		})
	}

	logger.Info("calculator server started",
		zap.String("broker", fmt.Sprintf("%s:%d", config.Host, config.Port)),
		zap.String("queue", config.RequestQueue))

	go func() {
		// a server that gives up on the broker takes the process down
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("calculator server failed", zap.Error(err))
			conn.Close()
			os.Exit(1)
		}
	}()

	grace := config.ShutdownGrace + 5*time.Second
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		grace,
		map[string]gfshutdown.Operation{
			"calculator": func(ctx context.Context) error {
				var errs []error
				errs = append(errs, server.Shutdown(ctx))
				if direct != nil {
					errs = append(errs, direct.Close())
				}
				stop()
				if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
					errs = append(errs, err)
				}
				errs = append(errs, conn.Close())
				return errors.Join(errs...)
			},
		})
	exitCode := <-wait
	logger.Info("calculator server stopped", zap.Int("exit_code", exitCode))
	logger.Sync()
	os.Exit(exitCode)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
