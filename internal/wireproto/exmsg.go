package wireproto

import (
	"encoding/binary"
	"errors"
)

// Ex-message command codes, agent<->pool only.
const (
	CmdRegisterWorker         byte = 0x01 // A->P: sessionId(2) | minerAgentZ | workerNameZ
	CmdSubmitShare            byte = 0x02 // A->P: jobId(1) | sessionId(2) | xn2(4) | nonce(4)
	CmdSubmitShareWithTime    byte = 0x03 // A->P: ...above... | nTime(4)
	CmdUnregisterWorker       byte = 0x04 // A->P: sessionId(2)
	CmdMiningSetDiff          byte = 0x05 // P->A: diff2exp(1) | count(2) | sessionId(2)*count
	CmdSubmitShareWithVer     byte = 0x12 // A->P: ...0x02... | versionMask(4)
	CmdSubmitShareWithTimeVer byte = 0x13 // A->P: ...0x03... | versionMask(4)
	CmdGetNoncePrefix         byte = 0x21 // A->P: sessionId(2)
	CmdSetNoncePrefix         byte = 0x22 // P->A: sessionId(2) | noncePrefix(4)
)

var (
	ErrTruncatedPayload = errors.New("wireproto: ex-message payload too short for its command")
	ErrUnknownCommand   = errors.New("wireproto: unknown ex-message command")
)

func header(cmd byte, payloadLen int) []byte {
	buf := make([]byte, headerSize)
	buf[0] = Magic
	buf[1] = cmd
	binary.LittleEndian.PutUint16(buf[2:4], uint16(headerSize+payloadLen))
	return buf
}

func cstring(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	b[len(s)] = 0
	return b
}

// EncodeRegisterWorker builds a REGISTER_WORKER ex-message.
func EncodeRegisterWorker(sessionID uint16, minerAgent, workerName string) []byte {
	agentZ := cstring(minerAgent)
	workerZ := cstring(workerName)
	payloadLen := 2 + len(agentZ) + len(workerZ)

	buf := header(CmdRegisterWorker, payloadLen)
	body := make([]byte, payloadLen)
	binary.LittleEndian.PutUint16(body[0:2], sessionID)
	copy(body[2:], agentZ)
	copy(body[2+len(agentZ):], workerZ)
	return append(buf, body...)
}

// EncodeUnregisterWorker builds an UNREGISTER_WORKER ex-message.
func EncodeUnregisterWorker(sessionID uint16) []byte {
	buf := header(CmdUnregisterWorker, 2)
	body := make([]byte, 2)
	binary.LittleEndian.PutUint16(body, sessionID)
	return append(buf, body...)
}

// BitcoinShare is the minimal set of fields a Bitcoin share submission
// carries. VersionMask is only meaningful when HasVersionMask is true.
// IsFakeJob marks a share submitted against a keep-alive job the proxy
// itself injected (spec.md §3/§4.6); such shares are never encoded onto
// the wire.
type BitcoinShare struct {
	JobID          uint8
	SessionID      uint16
	ExtraNonce2    uint32
	Nonce          uint32
	NTime          uint32
	HasTime        bool
	VersionMask    uint32
	HasVersionMask bool
	IsFakeJob      bool
}

// EncodeBitcoinShare picks the smallest ex-message command that encodes
// share, per spec.md §4.4: SUBMIT_SHARE (15B), _WITH_TIME (19B),
// _WITH_VER (19B), _WITH_TIME_VER (23B).
func EncodeBitcoinShare(share BitcoinShare) []byte {
	switch {
	case share.HasTime && share.HasVersionMask:
		return encodeShare(CmdSubmitShareWithTimeVer, share, true, true)
	case share.HasVersionMask:
		return encodeShare(CmdSubmitShareWithVer, share, false, true)
	case share.HasTime:
		return encodeShare(CmdSubmitShareWithTime, share, true, false)
	default:
		return encodeShare(CmdSubmitShare, share, false, false)
	}
}

func encodeShare(cmd byte, s BitcoinShare, withTime, withVer bool) []byte {
	payloadLen := 1 + 2 + 4 + 4
	if withTime {
		payloadLen += 4
	}
	if withVer {
		payloadLen += 4
	}

	buf := header(cmd, payloadLen)
	body := make([]byte, payloadLen)
	body[0] = s.JobID
	binary.LittleEndian.PutUint16(body[1:3], s.SessionID)
	binary.LittleEndian.PutUint32(body[3:7], s.ExtraNonce2)
	binary.LittleEndian.PutUint32(body[7:11], s.Nonce)
	off := 11
	if withTime {
		binary.LittleEndian.PutUint32(body[off:off+4], s.NTime)
		off += 4
	}
	if withVer {
		binary.LittleEndian.PutUint32(body[off:off+4], s.VersionMask)
	}
	return append(buf, body...)
}

// DecodeBitcoinShare parses any of the four SUBMIT_SHARE* payloads.
func DecodeBitcoinShare(cmd byte, payload []byte) (BitcoinShare, error) {
	var withTime, withVer bool
	switch cmd {
	case CmdSubmitShare:
	case CmdSubmitShareWithTime:
		withTime = true
	case CmdSubmitShareWithVer:
		withVer = true
	case CmdSubmitShareWithTimeVer:
		withTime, withVer = true, true
	default:
		return BitcoinShare{}, ErrUnknownCommand
	}

	need := 1 + 2 + 4 + 4
	if withTime {
		need += 4
	}
	if withVer {
		need += 4
	}
	if len(payload) < need {
		return BitcoinShare{}, ErrTruncatedPayload
	}

	s := BitcoinShare{
		JobID:       payload[0],
		SessionID:   binary.LittleEndian.Uint16(payload[1:3]),
		ExtraNonce2: binary.LittleEndian.Uint32(payload[3:7]),
		Nonce:       binary.LittleEndian.Uint32(payload[7:11]),
		HasTime:     withTime,
		HasVersionMask: withVer,
	}
	off := 11
	if withTime {
		s.NTime = binary.LittleEndian.Uint32(payload[off : off+4])
		off += 4
	}
	if withVer {
		s.VersionMask = binary.LittleEndian.Uint32(payload[off : off+4])
	}
	return s, nil
}

// EncodeMiningSetDiff builds a MINING_SET_DIFF ex-message (pool->agent,
// decode-only in production but provided for tests and fakes).
func EncodeMiningSetDiff(diff2exp uint8, sessionIDs []uint16) []byte {
	payloadLen := 1 + 2 + 2*len(sessionIDs)
	buf := header(CmdMiningSetDiff, payloadLen)
	body := make([]byte, payloadLen)
	body[0] = diff2exp
	binary.LittleEndian.PutUint16(body[1:3], uint16(len(sessionIDs)))
	for i, id := range sessionIDs {
		binary.LittleEndian.PutUint16(body[3+2*i:5+2*i], id)
	}
	return append(buf, body...)
}

// DecodeMiningSetDiff parses a MINING_SET_DIFF payload.
func DecodeMiningSetDiff(payload []byte) (diff2exp uint8, sessionIDs []uint16, err error) {
	if len(payload) < 3 {
		return 0, nil, ErrTruncatedPayload
	}
	diff2exp = payload[0]
	count := binary.LittleEndian.Uint16(payload[1:3])
	if len(payload) < 3+2*int(count) {
		return 0, nil, ErrTruncatedPayload
	}
	sessionIDs = make([]uint16, count)
	for i := range sessionIDs {
		sessionIDs[i] = binary.LittleEndian.Uint16(payload[3+2*i : 5+2*i])
	}
	return diff2exp, sessionIDs, nil
}

// EncodeGetNoncePrefix builds a GET_NONCE_PREFIX ex-message.
func EncodeGetNoncePrefix(sessionID uint16) []byte {
	buf := header(CmdGetNoncePrefix, 2)
	body := make([]byte, 2)
	binary.LittleEndian.PutUint16(body, sessionID)
	return append(buf, body...)
}

// DecodeGetNoncePrefix parses a GET_NONCE_PREFIX payload.
func DecodeGetNoncePrefix(payload []byte) (sessionID uint16, err error) {
	if len(payload) < 2 {
		return 0, ErrTruncatedPayload
	}
	return binary.LittleEndian.Uint16(payload[0:2]), nil
}

// EncodeSetNoncePrefix builds a SET_NONCE_PREFIX ex-message.
func EncodeSetNoncePrefix(sessionID uint16, noncePrefix uint32) []byte {
	buf := header(CmdSetNoncePrefix, 6)
	body := make([]byte, 6)
	binary.LittleEndian.PutUint16(body[0:2], sessionID)
	binary.LittleEndian.PutUint32(body[2:6], noncePrefix)
	return append(buf, body...)
}

// DecodeSetNoncePrefix parses a SET_NONCE_PREFIX payload.
func DecodeSetNoncePrefix(payload []byte) (sessionID uint16, noncePrefix uint32, err error) {
	if len(payload) < 6 {
		return 0, 0, ErrTruncatedPayload
	}
	return binary.LittleEndian.Uint16(payload[0:2]), binary.LittleEndian.Uint32(payload[2:6]), nil
}

// EthShare is the Ethereum share submission payload: a fixed 44-byte
// layout of sessionId(4, padded) | nonce[8] (big-endian) | header[32]
// (big-endian), carried under CmdSubmitShare.
type EthShare struct {
	SessionID uint16
	Nonce     [8]byte
	Header    [32]byte
}

// EncodeEthShare builds the Ethereum SUBMIT_SHARE ex-message.
func EncodeEthShare(share EthShare) []byte {
	const payloadLen = 4 + 8 + 32
	buf := header(CmdSubmitShare, payloadLen)
	body := make([]byte, payloadLen)
	binary.BigEndian.PutUint32(body[0:4], uint32(share.SessionID))
	copy(body[4:12], share.Nonce[:])
	copy(body[12:44], share.Header[:])
	return append(buf, body...)
}

// DecodeEthShare parses the Ethereum SUBMIT_SHARE payload.
func DecodeEthShare(payload []byte) (EthShare, error) {
	const payloadLen = 4 + 8 + 32
	if len(payload) < payloadLen {
		return EthShare{}, ErrTruncatedPayload
	}
	var s EthShare
	s.SessionID = uint16(binary.BigEndian.Uint32(payload[0:4]))
	copy(s.Nonce[:], payload[4:12])
	copy(s.Header[:], payload[12:44])
	return s, nil
}
