package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	jsonContentType = "application/json"
)

// ErrDecode wraps every payload that cannot be turned into a message.
var ErrDecode = errors.New("calcrpc: malformed payload")

// Codec encodes and decodes the messages exchanged over the broker.
type Codec interface {
	EncodeRequest(*CalculationRequest) ([]byte, error)
	DecodeRequest([]byte) (*CalculationRequest, error)
	EncodeResponse(*CalculationResponse) ([]byte, error)
	DecodeResponse([]byte) (*CalculationResponse, error)
	// ContentType is MIME content type for messages encoded with the codec
	ContentType() string
}

// JSONCodec is the wire format shared with every other calculator client
// and server.
type JSONCodec struct{}

func (c JSONCodec) ContentType() string {
	return jsonContentType
}

func (c JSONCodec) EncodeRequest(req *CalculationRequest) ([]byte, error) {
	return json.Marshal(req)
}

func (c JSONCodec) DecodeRequest(body []byte) (*CalculationRequest, error) {
	req := new(CalculationRequest)
	if err := decodeObject(body, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (c JSONCodec) EncodeResponse(resp *CalculationResponse) ([]byte, error) {
	return json.Marshal(resp)
}

func (c JSONCodec) DecodeResponse(body []byte) (*CalculationResponse, error) {
	resp := new(CalculationResponse)
	if err := decodeObject(body, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// decodeObject refuses a JSON null, which would otherwise leave v zeroed.
func decodeObject(body []byte, v interface{}) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: empty message", ErrDecode)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}
