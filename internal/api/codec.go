package api

import (
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

const MIMEApplicationCBOR = "application/cbor"

// maxBody bounds request bodies; token arrays for a full context fit well
// inside it.
const maxBody = 8 << 20

func isCBOR(header string) bool {
	for _, part := range strings.Split(header, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == MIMEApplicationCBOR {
			return true
		}
	}
	return false
}

// decodeBody reads a JSON body, or CBOR when the request says so.
func decodeBody[T any](c *echo.Context) (T, error) {
	var out T
	r := io.LimitReader(c.Request().Body, maxBody)
	if isCBOR(c.Request().Header.Get(echo.HeaderContentType)) {
		if err := cbor.NewDecoder(r).Decode(&out); err != nil {
			return out, newInvalidRequest(fmt.Sprintf("invalid cbor body: %v", err))
		}
		return out, nil
	}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, newInvalidRequest(err.Error())
	}
	return out, nil
}

// respond encodes v as CBOR when the client accepts it or sent CBOR
// without stating a preference, and as JSON otherwise.
func respond(c *echo.Context, status int, v any) error {
	req := c.Request()
	accept := req.Header.Get(echo.HeaderAccept)
	wantCBOR := isCBOR(accept) || (accept == "" && isCBOR(req.Header.Get(echo.HeaderContentType)))
	if wantCBOR {
		b, err := cbor.Marshal(v)
		if err != nil {
			return err
		}
		return c.Blob(status, MIMEApplicationCBOR, b)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}
