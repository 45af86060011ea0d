package capture

import "fmt"

// Encoding pairs a mime type with the container and codec needed to produce
// it, plus the file extension derived from the actual type.
type Encoding struct {
	MimeType  string
	Container string
	Codec     string
	Ext       string
}

// preferredEncodings is the ordered negotiation list. The first entry the
// backend can encode wins.
var preferredEncodings = []Encoding{
	{MimeType: "audio/webm;codecs=opus", Container: "webm", Codec: "libopus", Ext: "webm"},
	{MimeType: "audio/webm", Container: "webm", Codec: "libvorbis", Ext: "webm"},
	{MimeType: "audio/mp4", Container: "mp4", Codec: "aac", Ext: "m4a"},
	{MimeType: "audio/ogg;codecs=opus", Container: "ogg", Codec: "libopus", Ext: "ogg"},
}

// NegotiateEncoding picks the first preferred encoding the backend supports.
func NegotiateEncoding(supports func(Encoding) bool) (Encoding, error) {
	for _, enc := range preferredEncodings {
		if supports(enc) {
			return enc, nil
		}
	}
	return Encoding{}, fmt.Errorf("%w: none of the preferred audio encodings are available", ErrUnsupported)
}
