package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxEnvelopeSize is the relay's hard read cap. Envelopes larger than
// this are dropped silently by the relay.
const MaxEnvelopeSize = 64 * 1024

// MaxClientSendSize is the size a well-behaved client refuses to exceed
// before attempting to send.
const MaxClientSendSize = 60 * 1024

// The wire format below is hand-written protobuf (field numbers and
// shapes mirror a `.proto` this package does not carry, since the
// compiler that would generate it is not available here) built on
// google.golang.org/protobuf's low-level tag/varint/length-delimited
// primitives. It intentionally does not implement proto.Message --
// there is no reflection, no descriptor, just Marshal/Unmarshal pairs,
// in the spirit of the generated code it stands in for.

// --- decode helpers -------------------------------------------------

func takeVarint(b *[]byte) (uint64, error) {
	v, n := protowire.ConsumeVarint(*b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*b = (*b)[n:]
	return v, nil
}

func takeBytes(b *[]byte) ([]byte, error) {
	v, n := protowire.ConsumeBytes(*b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	*b = (*b)[n:]
	return append([]byte(nil), v...), nil
}

func takeString(b *[]byte) (string, error) {
	v, n := protowire.ConsumeString(*b)
	if n < 0 {
		return "", protowire.ParseError(n)
	}
	*b = (*b)[n:]
	return v, nil
}

func skipField(num protowire.Number, typ protowire.Type, b *[]byte) error {
	n := protowire.ConsumeFieldValue(num, typ, *b)
	if n < 0 {
		return protowire.ParseError(n)
	}
	*b = (*b)[n:]
	return nil
}

// --- encode helpers (proto3-style: zero values are omitted) --------

func appendVarintField(b []byte, n protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, n protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendStringField(b []byte, n protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, n protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessageField(b []byte, n protowire.Number, msg []byte) []byte {
	if msg == nil {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// --- AuthChallenge ----------------------------------------------------

func (m *AuthChallenge) marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Version))
	b = appendBytesField(b, 2, m.Nonce)
	b = appendVarintField(b, 3, uint64(m.IssuedAtMs))
	b = appendVarintField(b, 4, uint64(m.ExpiresAtMs))
	b = appendStringField(b, 5, m.RelayHost)
	return b
}

func unmarshalAuthChallenge(b []byte) (*AuthChallenge, error) {
	m := &AuthChallenge{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			var v uint64
			v, err = takeVarint(&b)
			m.Version = int32(v)
		case 2:
			m.Nonce, err = takeBytes(&b)
		case 3:
			var v uint64
			v, err = takeVarint(&b)
			m.IssuedAtMs = int64(v)
		case 4:
			var v uint64
			v, err = takeVarint(&b)
			m.ExpiresAtMs = int64(v)
		case 5:
			m.RelayHost, err = takeString(&b)
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- AuthResponse -------------------------------------------------------

func (m *AuthResponse) marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Version))
	b = appendBytesField(b, 2, m.PublicKey)
	b = appendBytesField(b, 3, m.Signature)
	b = appendBytesField(b, 4, m.Nonce)
	return b
}

func unmarshalAuthResponse(b []byte) (*AuthResponse, error) {
	m := &AuthResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			var v uint64
			v, err = takeVarint(&b)
			m.Version = int32(v)
		case 2:
			m.PublicKey, err = takeBytes(&b)
		case 3:
			m.Signature, err = takeBytes(&b)
		case 4:
			m.Nonce, err = takeBytes(&b)
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- AuthResult -----------------------------------------------------

func (m *AuthResult) marshal() []byte {
	var b []byte
	b = appendBoolField(b, 1, m.Success)
	b = appendStringField(b, 2, m.ErrorMessage)
	b = appendStringField(b, 3, m.AssignedAddress)
	return b
}

func unmarshalAuthResult(b []byte) (*AuthResult, error) {
	m := &AuthResult{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			var v uint64
			v, err = takeVarint(&b)
			m.Success = v != 0
		case 2:
			m.ErrorMessage, err = takeString(&b)
		case 3:
			m.AssignedAddress, err = takeString(&b)
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- EncryptedPayload -------------------------------------------------

func (m *EncryptedPayload) marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.Nonce)
	b = appendBytesField(b, 2, m.Ciphertext)
	b = appendBytesField(b, 3, m.SenderPublicKey)
	return b
}

func unmarshalEncryptedPayload(b []byte) (*EncryptedPayload, error) {
	m := &EncryptedPayload{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			m.Nonce, err = takeBytes(&b)
		case 2:
			m.Ciphertext, err = takeBytes(&b)
		case 3:
			m.SenderPublicKey, err = takeBytes(&b)
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- PlaintextPayload (never sent bare -- lives inside ciphertext) ----

func (m *PlaintextPayload) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Version))
	b = appendVarintField(b, 2, m.Sequence)
	b = appendVarintField(b, 3, uint64(m.TimestampMs))
	b = appendBytesField(b, 4, m.Content)
	b = appendStringField(b, 5, m.ContentType)
	return b
}

func UnmarshalPlaintextPayload(b []byte) (*PlaintextPayload, error) {
	m := &PlaintextPayload{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			var v uint64
			v, err = takeVarint(&b)
			m.Version = int32(v)
		case 2:
			m.Sequence, err = takeVarint(&b)
		case 3:
			var v uint64
			v, err = takeVarint(&b)
			m.TimestampMs = int64(v)
		case 4:
			m.Content, err = takeBytes(&b)
		case 5:
			m.ContentType, err = takeString(&b)
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- DeliveryConfirm --------------------------------------------------

func (m *DeliveryConfirm) marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.MessageID)
	b = appendBytesField(b, 2, m.Signature)
	b = appendVarintField(b, 3, uint64(m.Timestamp))
	b = appendStringField(b, 4, m.State)
	if m.WasStored != nil {
		// Proto3 omits zero values, so a plain bool can't distinguish
		// "false" from "unset". Encode presence explicitly: 1=false, 2=true.
		v := uint64(1)
		if *m.WasStored {
			v = 2
		}
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, v)
	}
	return b
}

func unmarshalDeliveryConfirm(b []byte) (*DeliveryConfirm, error) {
	m := &DeliveryConfirm{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			m.MessageID, err = takeBytes(&b)
		case 2:
			m.Signature, err = takeBytes(&b)
		case 3:
			var v uint64
			v, err = takeVarint(&b)
			m.Timestamp = int64(v)
		case 4:
			m.State, err = takeString(&b)
		case 5:
			var v uint64
			v, err = takeVarint(&b)
			if err == nil {
				t := v == 2
				m.WasStored = &t
			}
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- ConnectionRequest --------------------------------------------------

func (m *ConnectionRequest) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.FromAddress)
	b = appendStringField(b, 2, m.ToAddress)
	b = appendStringField(b, 3, m.Message)
	b = appendBytesField(b, 4, m.SenderPublicKey)
	b = appendVarintField(b, 5, uint64(m.ExpiresAt))
	return b
}

func unmarshalConnectionRequest(b []byte) (*ConnectionRequest, error) {
	m := &ConnectionRequest{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			m.FromAddress, err = takeString(&b)
		case 2:
			m.ToAddress, err = takeString(&b)
		case 3:
			m.Message, err = takeString(&b)
		case 4:
			m.SenderPublicKey, err = takeBytes(&b)
		case 5:
			var v uint64
			v, err = takeVarint(&b)
			m.ExpiresAt = int64(v)
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- ConnectionResponse ------------------------------------------------

func (m *ConnectionResponse) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.FromAddress)
	b = appendStringField(b, 2, m.ToAddress)
	b = appendBoolField(b, 3, m.Accepted)
	b = appendBytesField(b, 4, m.ResponderPublicKey)
	return b
}

func unmarshalConnectionResponse(b []byte) (*ConnectionResponse, error) {
	m := &ConnectionResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			m.FromAddress, err = takeString(&b)
		case 2:
			m.ToAddress, err = takeString(&b)
		case 3:
			var v uint64
			v, err = takeVarint(&b)
			m.Accepted = v != 0
		case 4:
			m.ResponderPublicKey, err = takeBytes(&b)
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- ConnectionRevoke -----------------------------------------------

func (m *ConnectionRevoke) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.FromAddress)
	b = appendStringField(b, 2, m.ToAddress)
	return b
}

func unmarshalConnectionRevoke(b []byte) (*ConnectionRevoke, error) {
	m := &ConnectionRevoke{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			m.FromAddress, err = takeString(&b)
		case 2:
			m.ToAddress, err = takeString(&b)
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- Block / Unblock notifications -----------------------------------

func (m *BlockNotification) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.BlockerAddress)
	b = appendStringField(b, 2, m.BlockedAddress)
	return b
}

func unmarshalBlockNotification(b []byte) (*BlockNotification, error) {
	m := &BlockNotification{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			m.BlockerAddress, err = takeString(&b)
		case 2:
			m.BlockedAddress, err = takeString(&b)
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *UnblockNotification) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.UnblockerAddress)
	b = appendStringField(b, 2, m.UnblockedAddress)
	return b
}

func unmarshalUnblockNotification(b []byte) (*UnblockNotification, error) {
	m := &UnblockNotification{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			m.UnblockerAddress, err = takeString(&b)
		case 2:
			m.UnblockedAddress, err = takeString(&b)
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- QueueStatus / QueueFull / RateLimited / Heartbeat ----------------

func (m *QueueStatus) marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.PendingCount))
	return b
}

func unmarshalQueueStatus(b []byte) (*QueueStatus, error) {
	m := &QueueStatus{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			var v uint64
			v, err = takeVarint(&b)
			m.PendingCount = int32(v)
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *QueueFull) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.RecipientAddress)
	b = appendStringField(b, 2, m.Reason)
	return b
}

func unmarshalQueueFull(b []byte) (*QueueFull, error) {
	m := &QueueFull{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			m.RecipientAddress, err = takeString(&b)
		case 2:
			m.Reason, err = takeString(&b)
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *RateLimited) marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.RetryAfterMs))
	b = appendStringField(b, 2, m.Reason)
	return b
}

func unmarshalRateLimited(b []byte) (*RateLimited, error) {
	m := &RateLimited{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			var v uint64
			v, err = takeVarint(&b)
			m.RetryAfterMs = int64(v)
		case 2:
			m.Reason, err = takeString(&b)
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Heartbeat) marshal() []byte { return []byte{} }

func unmarshalHeartbeat(b []byte) (*Heartbeat, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if err := skipField(num, typ, &b); err != nil {
			return nil, err
		}
	}
	return &Heartbeat{}, nil
}

// --- Envelope -----------------------------------------------------------

// Marshal serializes the envelope to its wire representation.
func Marshal(e *Envelope) ([]byte, error) {
	var b []byte
	b = appendVarintField(b, 1, uint64(e.Version))
	b = appendStringField(b, 2, e.FromAddress)
	b = appendStringField(b, 3, e.ToAddress)
	b = appendVarintField(b, 4, uint64(e.Type))
	b = appendBytesField(b, 5, e.MessageID)
	b = appendVarintField(b, 6, uint64(e.TimestampMs))

	if e.AuthChallenge != nil {
		b = appendMessageField(b, 7, e.AuthChallenge.marshal())
	}
	if e.AuthResponse != nil {
		b = appendMessageField(b, 8, e.AuthResponse.marshal())
	}
	if e.AuthResult != nil {
		b = appendMessageField(b, 9, e.AuthResult.marshal())
	}
	if e.Encrypted != nil {
		b = appendMessageField(b, 10, e.Encrypted.marshal())
	}
	if e.DeliveryConfirm != nil {
		b = appendMessageField(b, 11, e.DeliveryConfirm.marshal())
	}
	if e.ConnectionRequest != nil {
		b = appendMessageField(b, 12, e.ConnectionRequest.marshal())
	}
	if e.ConnectionResponse != nil {
		b = appendMessageField(b, 13, e.ConnectionResponse.marshal())
	}
	if e.ConnectionRevoke != nil {
		b = appendMessageField(b, 14, e.ConnectionRevoke.marshal())
	}
	if e.BlockNotification != nil {
		b = appendMessageField(b, 15, e.BlockNotification.marshal())
	}
	if e.UnblockNotification != nil {
		b = appendMessageField(b, 16, e.UnblockNotification.marshal())
	}
	if e.QueueStatus != nil {
		b = appendMessageField(b, 17, e.QueueStatus.marshal())
	}
	if e.QueueFull != nil {
		b = appendMessageField(b, 18, e.QueueFull.marshal())
	}
	if e.RateLimited != nil {
		b = appendMessageField(b, 19, e.RateLimited.marshal())
	}
	if e.Heartbeat != nil {
		b = appendMessageField(b, 20, e.Heartbeat.marshal())
	}
	return b, nil
}

// Unmarshal parses a wire envelope. Unknown fields are skipped so newer
// relays/agents can add payload variants without breaking older peers.
func Unmarshal(data []byte) (*Envelope, error) {
	e := &Envelope{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			var v uint64
			v, err = takeVarint(&b)
			e.Version = int32(v)
		case 2:
			e.FromAddress, err = takeString(&b)
		case 3:
			e.ToAddress, err = takeString(&b)
		case 4:
			var v uint64
			v, err = takeVarint(&b)
			e.Type = MessageType(v)
		case 5:
			e.MessageID, err = takeBytes(&b)
		case 6:
			var v uint64
			v, err = takeVarint(&b)
			e.TimestampMs = int64(v)
		case 7:
			var sub []byte
			if sub, err = takeBytes(&b); err == nil {
				e.AuthChallenge, err = unmarshalAuthChallenge(sub)
			}
		case 8:
			var sub []byte
			if sub, err = takeBytes(&b); err == nil {
				e.AuthResponse, err = unmarshalAuthResponse(sub)
			}
		case 9:
			var sub []byte
			if sub, err = takeBytes(&b); err == nil {
				e.AuthResult, err = unmarshalAuthResult(sub)
			}
		case 10:
			var sub []byte
			if sub, err = takeBytes(&b); err == nil {
				e.Encrypted, err = unmarshalEncryptedPayload(sub)
			}
		case 11:
			var sub []byte
			if sub, err = takeBytes(&b); err == nil {
				e.DeliveryConfirm, err = unmarshalDeliveryConfirm(sub)
			}
		case 12:
			var sub []byte
			if sub, err = takeBytes(&b); err == nil {
				e.ConnectionRequest, err = unmarshalConnectionRequest(sub)
			}
		case 13:
			var sub []byte
			if sub, err = takeBytes(&b); err == nil {
				e.ConnectionResponse, err = unmarshalConnectionResponse(sub)
			}
		case 14:
			var sub []byte
			if sub, err = takeBytes(&b); err == nil {
				e.ConnectionRevoke, err = unmarshalConnectionRevoke(sub)
			}
		case 15:
			var sub []byte
			if sub, err = takeBytes(&b); err == nil {
				e.BlockNotification, err = unmarshalBlockNotification(sub)
			}
		case 16:
			var sub []byte
			if sub, err = takeBytes(&b); err == nil {
				e.UnblockNotification, err = unmarshalUnblockNotification(sub)
			}
		case 17:
			var sub []byte
			if sub, err = takeBytes(&b); err == nil {
				e.QueueStatus, err = unmarshalQueueStatus(sub)
			}
		case 18:
			var sub []byte
			if sub, err = takeBytes(&b); err == nil {
				e.QueueFull, err = unmarshalQueueFull(sub)
			}
		case 19:
			var sub []byte
			if sub, err = takeBytes(&b); err == nil {
				e.RateLimited, err = unmarshalRateLimited(sub)
			}
		case 20:
			var sub []byte
			if sub, err = takeBytes(&b); err == nil {
				e.Heartbeat, err = unmarshalHeartbeat(sub)
			}
		default:
			err = skipField(num, typ, &b)
		}
		if err != nil {
			return nil, fmt.Errorf("protocol: decode field %d: %w", num, err)
		}
	}
	return e, nil
}
