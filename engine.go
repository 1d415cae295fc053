package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"errors"
	"fmt"
	"strings"
)

// Operation is an arithmetic operation understood by the calculator.
// The value is the on-wire spelling.
type Operation string

const (
	OpAdd      Operation = "Add"
	OpSubtract Operation = "Subtract"
	OpMultiply Operation = "Multiply"
	OpDivide   Operation = "Divide"
)

var operations = []Operation{OpAdd, OpSubtract, OpMultiply, OpDivide}

// ErrDivisionByZero is returned by Calculate for a division whose divisor
// is exactly zero.
var ErrDivisionByZero = errors.New("calcrpc: division by zero")

// UnsupportedOperationError reports an operation tag the engine does not know.
type UnsupportedOperationError struct {
	Tag string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("Unsupported operation: %s", e.Tag)
}

// ParseOperation maps a tag onto an Operation ignoring case.
func ParseOperation(tag string) (Operation, error) {
	for _, op := range operations {
		if strings.EqualFold(tag, string(op)) {
			return op, nil
		}
	}
	return "", &UnsupportedOperationError{Tag: tag}
}

// Symbol returns the arithmetic symbol of the operation.
func (op Operation) Symbol() string {
	switch op {
	case OpAdd:
		return "+"
	case OpSubtract:
		return "-"
	case OpMultiply:
		return "*"
	case OpDivide:
		return "/"
	}
	return "?"
}

// Calculate applies the operation named by tag to a and b. Non-finite
// operands are not rejected and propagate through the arithmetic.
func Calculate(tag string, a, b float64) (float64, error) {
	op, err := ParseOperation(tag)
	if err != nil {
		return 0, err
	}
	switch op {
	case OpAdd:
		return a + b, nil
	case OpSubtract:
		return a - b, nil
	case OpMultiply:
		return a * b, nil
	case OpDivide:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	}
	return 0, &UnsupportedOperationError{Tag: tag}
}
