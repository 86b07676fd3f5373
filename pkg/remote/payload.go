package remote

import _ "embed"

// DefaultPayload is the extraction script run on the instance.
//
//go:embed payload/extract.sh
var DefaultPayload []byte

// PayloadPath is where the payload is uploaded on the instance.
const PayloadPath = "/tmp/snapex-extract.sh"
