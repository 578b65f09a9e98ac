package stratumjson

import (
	"errors"
	"fmt"
)

// ErrShortNotifyLine is returned when a notify line has fewer than 14
// quote characters, so the rewrite point can't be located.
var ErrShortNotifyLine = errors.New("stratumjson: notify line too short to locate coinbase1 boundary")

// splitAfter14thQuote returns the byte offset just past the 14th '"' in
// line, which marks the end of the coinbase1 field in a well-formed
// mining.notify JSON-RPC line: {"id":null,"method":"mining.notify",
// "params":["jobid","prevhash","COINBASE1_ENDS_HERE","coinb2",...]}.
func splitAfter14thQuote(line []byte) (int, error) {
	quotes := 0
	for i, b := range line {
		if b == '"' {
			quotes++
			if quotes == 14 {
				return i + 1, nil
			}
		}
	}
	return -1, ErrShortNotifyLine
}

// BuildNotifyTemplate implements the upstream side of spec.md §4.4's
// rewrite: split a freshly received mining.notify line after the 14th
// '"' and splice in 8 hex nibbles of the upstream's own ExtraNonce1,
// producing the stored template every downstream's notify is derived
// from. The template is 8 bytes longer than line.
func BuildNotifyTemplate(line []byte, upstreamE1 uint32) ([]byte, error) {
	splitAt, err := splitAfter14thQuote(line)
	if err != nil {
		return nil, err
	}
	hexE1 := fmt.Sprintf("%08x", upstreamE1)

	out := make([]byte, 0, len(line)+8)
	out = append(out, line[:splitAt]...)
	out = append(out, hexE1...)
	out = append(out, line[splitAt:]...)
	return out, nil
}

// RewriteExtraNonce1 replaces the 8-hex-nibble ExtraNonce1 span a
// template (as built by BuildNotifyTemplate) carries at the same split
// point with e1, leaving the rest of the line byte-for-byte identical —
// this is what each downstream does to the upstream's template before
// forwarding mining.notify to its own miner. template must be at least
// splitAt+8 bytes; returned slice is the same length as template.
func RewriteExtraNonce1(template []byte, e1 uint32) ([]byte, error) {
	splitAt, err := splitAfter14thQuote(template)
	if err != nil {
		return nil, err
	}
	if len(template) < splitAt+8 {
		return nil, ErrShortNotifyLine
	}

	hexE1 := fmt.Sprintf("%08x", e1)
	out := make([]byte, len(template))
	copy(out, template[:splitAt])
	copy(out[splitAt:splitAt+8], hexE1)
	copy(out[splitAt+8:], template[splitAt+8:])
	return out, nil
}
