package serializer

import (
	"bytes"
	"encoding/gob"

	"github.com/ValentinKolb/dCache/rpc/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format.
// Every call encodes a self-describing stream, so payloads carry the type
// information of Message (including the nested awaited request) each time.
func NewGOBSerializer() IMessageSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IMessageSerializer interface using gob encoding
type gobSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IMessageSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g gobSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	*msg = common.Message{}
	return gob.NewDecoder(bytes.NewReader(b)).Decode(msg)
}
