package main

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-amqprpc/calcrpc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var menu = []calcrpc.Operation{calcrpc.OpAdd, calcrpc.OpSubtract, calcrpc.OpMultiply, calcrpc.OpDivide}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	transport := flag.String("transport", "broker", "broker or direct")
	directAddr := flag.String("direct-addr", "localhost:7070", "address of a direct calculator server")
	timeout := flag.Duration("timeout", 0, "per request timeout (overrides configuration)")
	debug := flag.Bool("debug", false, "log requests to stderr")
	flag.Parse()

	logger := newLogger(*debug)
	defer logger.Sync()

	config, err := calcrpc.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "calc-client: %v\n", err)
		os.Exit(1)
	}
	if *timeout > 0 {
		config.RequestTimeout = *timeout
	}

	client, closeAll, err := connect(config, *transport, *directAddr, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "calc-client: %v\n", err)
		os.Exit(1)
	}
	defer closeAll()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run(ctx, client, os.Stdin, os.Stdout)
}

func newLogger(debug bool) *zap.Logger {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if debug {
		config = zap.NewDevelopmentConfig()
	}
	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func connect(config *calcrpc.Config, transport, directAddr string, logger *zap.Logger) (*calcrpc.Client, func(), error) {
	options := []calcrpc.ClientOption{
		calcrpc.WithTimeout(config.RequestTimeout),
		calcrpc.WithLogger(logger),
	}
	switch transport {
	case "broker":
		conn, err := calcrpc.Dial(config,
			calcrpc.WithConnectionLogger(logger),
			calcrpc.WithConnectionName("calc-client"))
		if err != nil {
			return nil, nil, err
		}
		d, err := calcrpc.NewDispatcher(conn, config, calcrpc.WithDispatcherLogger(logger))
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		client := calcrpc.NewClient(d, options...)
		return client, func() {
			client.Close()
			conn.Close()
		}, nil
	case "direct":
		t, err := calcrpc.DialDirect(directAddr, config.ConnectionTimeout)
		if err != nil {
			return nil, nil, err
		}
		client := calcrpc.NewClient(t, options...)
		return client, func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", transport)
}

func run(ctx context.Context, client *calcrpc.Client, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for ctx.Err() == nil {
		fmt.Fprintln(out, "\n=== Calculator ===")
		for i, op := range menu {
			fmt.Fprintf(out, "%d. %s\n", i+1, op)
		}
		fmt.Fprintf(out, "%d. Exit\n", len(menu)+1)
		fmt.Fprint(out, "Choose an option: ")
		if !scanner.Scan() {
			return
		}
		choice, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || choice < 1 || choice > len(menu)+1 {
			fmt.Fprintln(out, "Invalid option, try again.")
			continue
		}
		if choice == len(menu)+1 {
			fmt.Fprintln(out, "Goodbye!")
			return
		}
		op := menu[choice-1]

		a, ok := readNumber(scanner, out, "Enter first number: ")
		if !ok {
			return
		}
		b, ok := readNumber(scanner, out, "Enter second number: ")
		if !ok {
			return
		}

		start := time.Now()
		result, err := client.Calculate(ctx, op, a, b)
		if err != nil {
			fmt.Fprintf(out, "Error: %s\n", describe(err))
			continue
		}
		fmt.Fprintf(out, "Result: %v %s %v = %v (%v)\n", a, op.Symbol(), b, result, time.Since(start).Round(time.Millisecond))
	}
}

func readNumber(scanner *bufio.Scanner, out io.Writer, prompt string) (float64, bool) {
	for {
		fmt.Fprint(out, prompt)
		if !scanner.Scan() {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(scanner.Text()), 64)
		if err == nil {
			return f, true
		}
		fmt.Fprintln(out, "Not a number, try again.")
	}
}

func describe(err error) string {
	var remote *calcrpc.RemoteError
	switch {
	case errors.As(err, &remote):
		return remote.Message
	case errors.Is(err, calcrpc.ErrTimeout):
		return "the calculator did not answer in time"
	case errors.Is(err, calcrpc.ErrTransport):
		return "the calculator is unreachable: " + err.Error()
	case errors.Is(err, calcrpc.ErrClosed):
		return "the client is shutting down"
	case errors.Is(err, calcrpc.ErrEncode):
		return "the numbers cannot be sent: " + err.Error()
	}
	return err.Error()
}
