package fetcher

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/edu-etl/internal/resilience"
)

// DecodePayload decodes a JSON document with numbers preserved as
// json.Number. The top level must be an object or an array; anything else
// (including trailing garbage) is a MalformedError.
func DecodePayload(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, &resilience.MalformedError{Err: eris.Wrap(err, "json: decode payload")}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &resilience.MalformedError{Err: eris.New("json: trailing data after payload")}
	}

	switch payload.(type) {
	case map[string]any, []any:
		return payload, nil
	}
	return nil, &resilience.MalformedError{Err: eris.Errorf("json: expected object or array, got %T", payload)}
}
