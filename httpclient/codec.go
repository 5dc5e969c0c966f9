package httpclient

import (
	"encoding/xml"
	"mime"
	"strings"

	json "github.com/goccy/go-json"
)

// Codec encodes request bodies given to RequestBuilder.Body and decodes
// response bodies whose media type is not XML.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default Codec, backed by goccy/go-json.
type JSONCodec struct{}

func (JSONCodec) ContentType() string                { return "application/json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// XMLCodec encodes with encoding/xml.
type XMLCodec struct{}

func (XMLCodec) ContentType() string                { return "application/xml" }
func (XMLCodec) Marshal(v any) ([]byte, error)      { return xml.Marshal(v) }
func (XMLCodec) Unmarshal(data []byte, v any) error { return xml.Unmarshal(data, v) }

// WithCodec replaces JSONCodec.
//
// Example:
//
//	client := httpclient.New(httpclient.WithCodec(httpclient.XMLCodec{}))
func WithCodec(c Codec) Option {
	return func(cfg *internalConfig) {
		cfg.Codec = c
	}
}

// codecFor picks the codec for a response media type. XML media types always
// use XMLCodec; anything else uses the client codec.
func codecFor(contentType string, fallback Codec) Codec {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	if mediaType == "application/xml" || mediaType == "text/xml" || strings.HasSuffix(mediaType, "+xml") {
		return XMLCodec{}
	}
	if fallback == nil {
		return JSONCodec{}
	}
	return fallback
}
