package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/sweeney/relayd/internal/relay"
)

// Encoding identifies the wire format of a request and its response.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingCBOR
)

func (e Encoding) String() string {
	if e == EncodingCBOR {
		return "cbor"
	}
	return "json"
}

// encMode uses Core Deterministic Encoding so identical responses encode
// to identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// DecodeRequest reads one request from r. The encoding is chosen by the
// first non-space byte: '{' selects JSON, a CBOR map header selects CBOR.
// Both formats are self-delimiting so no framing is needed and the client
// does not have to half-close. io.EOF is returned unwrapped when r yields
// nothing.
func DecodeRequest(r io.Reader) (Request, Encoding, error) {
	br := bufio.NewReader(r)

	first, err := peekNonSpace(br)
	if err != nil {
		if err == io.EOF {
			return Request{}, EncodingJSON, io.EOF
		}
		return Request{}, EncodingJSON, fmt.Errorf("%w: %w", relay.ErrMalformedRequest, err)
	}

	var req Request
	switch {
	case first == '{':
		if err := json.NewDecoder(br).Decode(&req); err != nil {
			return Request{}, EncodingJSON, fmt.Errorf("%w: %w", relay.ErrMalformedRequest, err)
		}
		return req, EncodingJSON, nil
	case first>>5 == 5: // CBOR major type 5: map
		if err := decMode.NewDecoder(br).Decode(&req); err != nil {
			return Request{}, EncodingCBOR, fmt.Errorf("%w: %w", relay.ErrMalformedRequest, err)
		}
		return req, EncodingCBOR, nil
	default:
		return Request{}, EncodingJSON, fmt.Errorf("%w: request must be a JSON object or CBOR map", relay.ErrMalformedRequest)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

// EncodeResponse writes v to w in the given encoding. JSON output ends
// with a newline.
func EncodeResponse(w io.Writer, enc Encoding, v any) error {
	if enc == EncodingCBOR {
		return encMode.NewEncoder(w).Encode(v)
	}
	return json.NewEncoder(w).Encode(v)
}

// EncodeRequest writes req to w in the given encoding.
func EncodeRequest(w io.Writer, enc Encoding, req Request) error {
	return EncodeResponse(w, enc, req)
}

// DecodeResponse reads one response from r into a generic value: a
// map[string]any for every response shape.
func DecodeResponse(r io.Reader, enc Encoding) (map[string]any, error) {
	var out map[string]any
	var err error
	if enc == EncodingCBOR {
		err = decMode.NewDecoder(r).Decode(&out)
	} else {
		err = json.NewDecoder(r).Decode(&out)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
