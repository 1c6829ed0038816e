package camera

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var errBadDataURI = errors.New("invalid data uri")

// DecodeDataURI returns the payload and media type of a base64 data URI such
// as "data:image/png;base64,iVBOR...".
func DecodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), "data:")
	if !ok {
		return nil, "", fmt.Errorf("%w: missing data: prefix", errBadDataURI)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: missing payload separator", errBadDataURI)
	}
	mediaType, encoding, _ := strings.Cut(meta, ";")
	if encoding != "base64" {
		return nil, "", fmt.Errorf("%w: unsupported encoding %q", errBadDataURI, encoding)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", errBadDataURI, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty image", errBadDataURI)
	}
	return data, mediaType, nil
}

// EncodeDataURI is the inverse of DecodeDataURI.
func EncodeDataURI(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
