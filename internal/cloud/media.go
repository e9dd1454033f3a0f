package cloud

import (
	"encoding/json"
	"fmt"
)

// ErrUnsupportedValue is returned when an upload value is neither a
// blob nor a string.
var ErrUnsupportedValue = fmt.Errorf("value is neither blob nor string")

// PrepareUpload turns an object field value into the payload for a
// media upload. If asJSON is set the value is serialized first, with
// the declared content type (default application/json). Only blob
// ([]byte) and string values are accepted otherwise, so a malformed
// instruction is dropped instead of retried.
func PrepareUpload(value any, asJSON bool, contentType string) (payload []byte, resolvedType string, err error) {
	if asJSON {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, "", fmt.Errorf("failed to serialize upload value: %w", err)
		}
		if contentType == "" {
			contentType = "application/json"
		}
		return data, contentType, nil
	}

	switch v := value.(type) {
	case []byte:
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return v, contentType, nil
	case string:
		if contentType == "" {
			contentType = "text/plain"
		}
		return []byte(v), contentType, nil
	case nil:
		return nil, "", ErrUnsupportedValue
	default:
		return nil, "", fmt.Errorf("%w (got %T)", ErrUnsupportedValue, value)
	}
}

// CoerceDownloaded converts a downloaded raw blob into the local field
// representation for the declared media type: text becomes a string,
// json is parsed, blob is left as raw bytes. Coercion failures are
// fatal for the media handling of the surrounding update.
func CoerceDownloaded(data []byte, typ MediaType) (any, error) {
	switch typ {
	case MediaText:
		return string(data), nil
	case MediaJSON:
		var value any
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, fmt.Errorf("failed to parse media value as JSON: %w", err)
		}
		return value, nil
	default:
		return data, nil
	}
}
