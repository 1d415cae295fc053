package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"time"
)

// CalculationRequest is the message a client publishes to the request queue.
type CalculationRequest struct {
	CorrelationID string    `json:"correlationId"`
	Operation     string    `json:"operation"`
	Number1       float64   `json:"number1"`
	Number2       float64   `json:"number2"`
	ReplyTo       string    `json:"replyTo"`
	Timestamp     time.Time `json:"timestamp"`
}

// CalculationResponse is the message a server publishes to the reply
// destination of a request. ErrorMessage is nil iff Success is true.
type CalculationResponse struct {
	CorrelationID    string    `json:"correlationId"`
	Result           float64   `json:"result"`
	Success          bool      `json:"success"`
	ErrorMessage     *string   `json:"errorMessage"`
	Operation        string    `json:"operation"`
	Timestamp        time.Time `json:"timestamp"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
}

// Error returns the error message of a failed response, or "".
func (r *CalculationResponse) Error() string {
	if r.ErrorMessage == nil {
		return ""
	}
	return *r.ErrorMessage
}

func newRequest(id string, op Operation, a, b float64) *CalculationRequest {
	return &CalculationRequest{
		CorrelationID: id,
		Operation:     string(op),
		Number1:       a,
		Number2:       b,
		Timestamp:     time.Now().UTC(),
	}
}

func succeeded(req *CalculationRequest, result float64) *CalculationResponse {
	return &CalculationResponse{
		CorrelationID: req.CorrelationID,
		Result:        result,
		Success:       true,
		Operation:     req.Operation,
		Timestamp:     time.Now().UTC(),
	}
}

func failed(req *CalculationRequest, message string) *CalculationResponse {
	return &CalculationResponse{
		CorrelationID: req.CorrelationID,
		Success:       false,
		ErrorMessage:  &message,
		Operation:     req.Operation,
		Timestamp:     time.Now().UTC(),
	}
}
