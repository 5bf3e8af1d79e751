package serializer

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ValentinKolb/dCache/lib/fault"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/google/uuid"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and size
func NewBinarySerializer() IMessageSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IMessageSerializer using a custom binary format.
//
// Layout: 1 byte MsgType, 2 bytes presence flags, then every present field in
// the order of the flag bits. Integers are big endian, strings and lists are
// prefixed with a 4 byte length. The awaited request is encoded recursively as
// a length-prefixed nested message.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasID            uint16 = 1 << 0
	hasKey           uint16 = 1 << 1
	hasValue         uint16 = 1 << 2
	hasPath          uint16 = 1 << 3
	hasOriginator    uint16 = 1 << 4
	hasRef           uint16 = 1 << 5
	hasRefs          uint16 = 1 << 6
	hasIDs           uint16 = 1 << 7
	hasOk            uint16 = 1 << 8
	hasReason        uint16 = 1 << 9
	hasAwaited       uint16 = 1 << 10
	hasCheckpoint    uint16 = 1 << 11
	hasAfterSends    uint16 = 1 << 12
	hasRecoveryDelay uint16 = 1 << 13
)

// maxNesting bounds the depth of awaited requests. Protocol messages nest at
// most once (ReqError -> awaited request).
const maxNesting = 4

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IMessageSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return appendMessage(make([]byte, 0, 64), &msg, 0)
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	r := &reader{data: data}
	*msg = common.Message{}
	r.message(msg, 0)
	if r.err != nil {
		return r.err
	}
	if r.pos != len(data) {
		return fmt.Errorf("%d trailing bytes after message", len(data)-r.pos)
	}
	return nil
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

func appendMessage(buf []byte, msg *common.Message, depth int) ([]byte, error) {
	if depth > maxNesting {
		return nil, fmt.Errorf("awaited requests nested deeper than %d", maxNesting)
	}

	buf = append(buf, byte(msg.MsgType), 0, 0)
	flagsAt := len(buf) - 2
	var flags uint16

	if msg.ID != uuid.Nil {
		flags |= hasID
		buf = append(buf, msg.ID[:]...)
	}
	if msg.Key != 0 {
		flags |= hasKey
		buf = binary.BigEndian.AppendUint64(buf, uint64(int64(msg.Key)))
	}
	if msg.Value != 0 {
		flags |= hasValue
		buf = binary.BigEndian.AppendUint64(buf, uint64(int64(msg.Value)))
	}
	if len(msg.Path) > 0 {
		flags |= hasPath
		buf = appendRefs(buf, msg.Path)
	}
	if msg.Originator != common.NoRef {
		flags |= hasOriginator
		buf = appendString(buf, string(msg.Originator))
	}
	if msg.Ref != common.NoRef {
		flags |= hasRef
		buf = appendString(buf, string(msg.Ref))
	}
	if len(msg.Refs) > 0 {
		flags |= hasRefs
		buf = appendRefs(buf, msg.Refs)
	}
	if len(msg.IDs) > 0 {
		flags |= hasIDs
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.IDs)))
		for _, id := range msg.IDs {
			buf = append(buf, id[:]...)
		}
	}
	if msg.Ok {
		flags |= hasOk
	}
	if msg.Reason != common.ErrKNone {
		flags |= hasReason
		buf = append(buf, byte(msg.Reason))
	}
	if msg.Awaited != nil {
		flags |= hasAwaited
		nested, err := appendMessage(nil, msg.Awaited, depth+1)
		if err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(nested)))
		buf = append(buf, nested...)
	}
	if msg.Checkpoint != fault.CPNone {
		flags |= hasCheckpoint
		buf = append(buf, byte(msg.Checkpoint))
	}
	if msg.AfterSends != 0 {
		flags |= hasAfterSends
		buf = binary.BigEndian.AppendUint64(buf, uint64(int64(msg.AfterSends)))
	}
	if msg.RecoveryDelay != 0 {
		flags |= hasRecoveryDelay
		buf = binary.BigEndian.AppendUint64(buf, uint64(msg.RecoveryDelay))
	}

	binary.BigEndian.PutUint16(buf[flagsAt:], flags)
	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendRefs(buf []byte, refs []common.NodeRef) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(refs)))
	for _, ref := range refs {
		buf = appendString(buf, string(ref))
	}
	return buf
}

// --------------------------------------------------------------------------
// Decoding
// --------------------------------------------------------------------------

// reader walks the input and remembers the first error
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", what)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8(what string) uint8 {
	if b := r.take(1, what); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u32(what string) uint32 {
	if b := r.take(4, what); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64(what string) uint64 {
	if b := r.take(8, what); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) str(what string) string {
	n := r.u32(what + " length")
	return string(r.take(int(n), what))
}

func (r *reader) refs(what string) []common.NodeRef {
	n := r.u32(what + " count")
	if r.err != nil {
		return nil
	}
	// every ref needs at least its 4 byte length
	if int(n) > (len(r.data)-r.pos)/4 {
		r.err = fmt.Errorf("data too short for %s", what)
		return nil
	}
	refs := make([]common.NodeRef, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		refs = append(refs, common.NodeRef(r.str(what)))
	}
	return refs
}

func (r *reader) id(what string) uuid.UUID {
	var id uuid.UUID
	copy(id[:], r.take(16, what))
	return id
}

func (r *reader) message(msg *common.Message, depth int) {
	if depth > maxNesting {
		r.err = fmt.Errorf("awaited requests nested deeper than %d", maxNesting)
		return
	}

	msg.MsgType = common.MessageType(r.u8("message type"))
	hi, lo := r.u8("flags"), r.u8("flags")
	flags := uint16(hi)<<8 | uint16(lo)

	if flags&hasID != 0 {
		msg.ID = r.id("id")
	}
	if flags&hasKey != 0 {
		msg.Key = int(int64(r.u64("key")))
	}
	if flags&hasValue != 0 {
		msg.Value = int(int64(r.u64("value")))
	}
	if flags&hasPath != 0 {
		msg.Path = r.refs("path")
	}
	if flags&hasOriginator != 0 {
		msg.Originator = common.NodeRef(r.str("originator"))
	}
	if flags&hasRef != 0 {
		msg.Ref = common.NodeRef(r.str("ref"))
	}
	if flags&hasRefs != 0 {
		msg.Refs = r.refs("refs")
	}
	if flags&hasIDs != 0 {
		n := r.u32("id count")
		if r.err == nil && int(n) > (len(r.data)-r.pos)/16 {
			r.err = fmt.Errorf("data too short for ids")
		}
		for i := uint32(0); i < n && r.err == nil; i++ {
			msg.IDs = append(msg.IDs, r.id("ids"))
		}
	}
	msg.Ok = flags&hasOk != 0
	if flags&hasReason != 0 {
		msg.Reason = common.ErrorKind(r.u8("reason"))
	}
	if flags&hasAwaited != 0 {
		n := r.u32("awaited length")
		nested := r.take(int(n), "awaited")
		if r.err == nil {
			sub := &reader{data: nested}
			msg.Awaited = &common.Message{}
			sub.message(msg.Awaited, depth+1)
			if sub.err == nil && sub.pos != len(nested) {
				sub.err = fmt.Errorf("%d trailing bytes after awaited request", len(nested)-sub.pos)
			}
			r.err = sub.err
		}
	}
	if flags&hasCheckpoint != 0 {
		msg.Checkpoint = fault.Checkpoint(r.u8("checkpoint"))
	}
	if flags&hasAfterSends != 0 {
		msg.AfterSends = int(int64(r.u64("after sends")))
	}
	if flags&hasRecoveryDelay != 0 {
		msg.RecoveryDelay = time.Duration(r.u64("recovery delay"))
	}
}
