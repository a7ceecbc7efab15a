package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/importly/moteus-motor/internal/device"
)

var frameTerminator = []byte("\n\n")

// jsonCodec implements the JSON batch protocol:
//
//	request:  [{"id":1,"p":0.5,"d":true}]\n\n
//	response: [{"id":1,"ep":0.5,"v":0,"t":0,"vo":24,"te":30}]\n\n
//
// p defaults to 0 and d (apply) defaults to true.
type jsonCodec struct{}

type jsonRequest struct {
	ID *int     `json:"id"`
	P  *float64 `json:"p,omitempty"`
	D  *bool    `json:"d,omitempty"`
}

type jsonResponse struct {
	ID int     `json:"id"`
	EP float64 `json:"ep"`
	V  float64 `json:"v"`
	T  float64 `json:"t"`
	VO float64 `json:"vo"`
	TE float64 `json:"te"`
}

func (jsonCodec) Name() string { return JSON }

func (jsonCodec) ReadFrame(r *bufio.Reader, max int) ([]byte, error) {
	return readUntil(r, max, blankLineTerminated)
}

func (jsonCodec) DecodeRequest(frame []byte) (RequestBatch, error) {
	var items []*jsonRequest
	if err := json.Unmarshal(frame, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if items == nil {
		return nil, fmt.Errorf("%w: expected a JSON array", ErrMalformed)
	}

	batch := make(RequestBatch, 0, len(items))
	for i, item := range items {
		if item == nil {
			return nil, fmt.Errorf("%w: item %d is null", ErrMalformed, i)
		}
		if item.ID == nil {
			return nil, fmt.Errorf("%w: item %d has no id", ErrMalformed, i)
		}
		req := RequestItem{ID: device.ControllerID(*item.ID), Apply: true}
		if item.P != nil {
			req.Position = *item.P
		}
		if item.D != nil {
			req.Apply = *item.D
		}
		batch = append(batch, req)
	}
	return batch, nil
}

func (jsonCodec) EncodeResponse(batch ResponseBatch) ([]byte, error) {
	out := make([]jsonResponse, 0, len(batch))
	for _, item := range batch {
		tel := item.Telemetry
		out = append(out, jsonResponse{
			ID: int(item.ID),
			EP: tel.Position,
			V:  tel.Velocity,
			T:  tel.Torque,
			VO: tel.Voltage,
			TE: tel.Temperature,
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return append(data, frameTerminator...), nil
}

// ErrorReply is nil: malformed JSON frames are dropped without a reply.
func (jsonCodec) ErrorReply(error) []byte {
	return nil
}

func (jsonCodec) EncodeRequest(batch RequestBatch) ([]byte, error) {
	out := make([]jsonRequest, 0, len(batch))
	for _, item := range batch {
		id := int(item.ID)
		p := item.Position
		d := item.Apply
		out = append(out, jsonRequest{ID: &id, P: &p, D: &d})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return append(data, frameTerminator...), nil
}

func (jsonCodec) ReadResponse(r *bufio.Reader, max int) ([]byte, error) {
	return readUntil(r, max, blankLineTerminated)
}

func (jsonCodec) DecodeResponse(frame []byte) (ResponseBatch, error) {
	var items []jsonResponse
	if err := json.Unmarshal(frame, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	batch := make(ResponseBatch, 0, len(items))
	for _, item := range items {
		batch = append(batch, ResponseItem{
			ID: device.ControllerID(item.ID),
			Telemetry: device.Telemetry{
				Position:    item.EP,
				Velocity:    item.V,
				Torque:      item.T,
				Voltage:     item.VO,
				Temperature: item.TE,
			},
		})
	}
	return batch, nil
}
