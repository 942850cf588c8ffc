package broker

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serialises deliveries for brokers that store bytes.
type Codec interface {
	Name() string
	Marshal(d *Delivery) ([]byte, error)
	Unmarshal(data []byte, d *Delivery) error
}

// Msgpack is the default codec.
type Msgpack struct{}

func (Msgpack) Name() string { return "msgpack" }

func (Msgpack) Marshal(d *Delivery) ([]byte, error) { return msgpack.Marshal(d) }

// Unmarshal decodes data into d. Nested payload maps decode as
// map[string]any, as with JSON, but integers keep their msgpack width.
func (Msgpack) Unmarshal(data []byte, d *Delivery) error { return msgpack.Unmarshal(data, d) }

// JSON is a human-readable codec, useful when inspecting broker contents.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(d *Delivery) ([]byte, error) { return json.Marshal(d) }

func (JSON) Unmarshal(data []byte, d *Delivery) error { return json.Unmarshal(data, d) }
