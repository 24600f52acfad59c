package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dreamware/amnesia/internal/errs"
)

const kindMLP = "mlp"

// envelope is the persisted form of a model. encoding/json writes map keys
// in sorted order, so identical weights always encode to identical bytes.
type envelope struct {
	Kind         string       `json:"kind"`
	Architecture Architecture `json:"architecture"`
	Params       Params       `json:"params"`
}

// Encode serialises a model.
func Encode(m TrainableModel) ([]byte, error) {
	if _, ok := m.(*MLP); !ok {
		return nil, fmt.Errorf("model: cannot encode %T", m)
	}
	return json.Marshal(envelope{Kind: kindMLP, Architecture: m.Architecture(), Params: m.Params()})
}

// Decode rebuilds a model produced by Encode.
func Decode(data []byte) (TrainableModel, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("model: decode: %w", err)
	}
	if env.Kind != kindMLP {
		return nil, fmt.Errorf("%w: unknown model kind %q", errs.ErrConfiguration, env.Kind)
	}
	if err := env.Architecture.Validate(); err != nil {
		return nil, err
	}
	m := newMLP(env.Architecture)
	for name, t := range m.params {
		src, ok := env.Params[name]
		if !ok {
			return nil, fmt.Errorf("model: decode: missing parameter %q", name)
		}
		if len(src.Data) != len(t.Data) {
			return nil, fmt.Errorf("model: decode: parameter %q has %d values, want %d", name, len(src.Data), len(t.Data))
		}
		copy(t.Data, src.Data)
	}
	return m, nil
}

// Hash returns the hex SHA-256 of the model's encoding.
func Hash(m TrainableModel) (string, error) {
	data, err := Encode(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
