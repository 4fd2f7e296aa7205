package client

import (
	"encoding/json"
	"fmt"

	"github.com/guseggert/procmux/protocol"
	"github.com/mitchellh/mapstructure"
)

// DecodeBody decodes the opaque body of a response or event into out.
// Struct fields are matched by their json tags, and numbers are converted to the field's type.
func DecodeBody(msg *protocol.Message, out interface{}) error {
	if len(msg.Body) == 0 {
		return nil
	}
	var generic interface{}
	if err := json.Unmarshal(msg.Body, &generic); err != nil {
		return fmt.Errorf("decoding body of %s: %w", msg, err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(generic); err != nil {
		return fmt.Errorf("mapstructure: %w", err)
	}
	return nil
}
