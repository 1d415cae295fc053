package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Messages carried by failed responses.
const (
	divideByZeroMessage  = "Cannot divide by zero"
	internalErrorMessage = "Internal server error occurred while processing the request"
)

// Processor turns requests into responses. It lets one request through at
// a time, whichever transport delivered it.
type Processor struct {
	logger    *zap.Logger
	calculate func(string, float64, float64) (float64, error)
	sem       chan struct{}
}

// NewProcessor returns a Processor backed by Calculate.
func NewProcessor(logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		logger:    logger,
		calculate: Calculate,
		sem:       make(chan struct{}, 1),
	}
}

// Process computes the response to req. Engine failures become failed
// responses; err is only set when ctx ends before the request got its turn
// or the computation panicked, in which case resp is the internal error
// response to send back.
func (p *Processor) Process(ctx context.Context, req *CalculationRequest) (resp *CalculationResponse, err error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	start := time.Now()
	log := p.logger.With(
		zap.String("correlation_id", req.CorrelationID),
		zap.String("operation", req.Operation))
	defer func() {
		if r := recover(); r != nil {
			log.Error("calculation panicked", zap.Any("panic", r))
			resp = failed(req, internalErrorMessage)
			err = fmt.Errorf("calculation panicked: %v", r)
		}
		resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	}()

	log.Info("processing calculation request",
		zap.Float64("number1", req.Number1),
		zap.Float64("number2", req.Number2))

	result, cerr := p.calculate(req.Operation, req.Number1, req.Number2)
	var unsupported *UnsupportedOperationError
	switch {
	case cerr == nil:
		resp = succeeded(req, result)
		log.Info("calculation completed", zap.Float64("result", result))
	case errors.Is(cerr, ErrDivisionByZero):
		resp = failed(req, divideByZeroMessage)
		log.Warn("division by zero attempted", zap.Float64("number1", req.Number1))
	case errors.As(cerr, &unsupported):
		resp = failed(req, unsupported.Error())
		log.Error("invalid operation requested", zap.Error(cerr))
	default:
		resp = failed(req, internalErrorMessage)
		log.Error("unexpected calculation failure", zap.Error(cerr))
	}
	return resp, nil
}
