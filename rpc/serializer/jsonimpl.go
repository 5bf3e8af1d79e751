package serializer

import (
	"bytes"
	"encoding/json"

	"github.com/ValentinKolb/dCache/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding.
// Message types, error kinds and checkpoints are written as strings, which
// makes captured traffic readable.
func NewJSONSerializer() IMessageSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IMessageSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IMessageSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	*msg = common.Message{}
	return dec.Decode(msg)
}
