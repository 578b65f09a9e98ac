package dialect

import "encoding/json"

// EncodeEthWork builds the 3-element eth_getWork-shaped array
// ([headerHex, seedHex, targetHex]) the ETH dialects' SendNotify expects
// as its template; dialects decode it back with decodeEthWork.
// UpstreamClient does not build this shape: it stores every pool
// mining.notify as a Bitcoin-style rewritten line.
func EncodeEthWork(headerHex, seedHex, targetHex string) []byte {
	b, _ := json.Marshal([]string{headerHex, seedHex, targetHex})
	return b
}

func decodeEthWork(raw []byte) ([]interface{}, error) {
	var work []string
	if err := json.Unmarshal(raw, &work); err != nil {
		return nil, err
	}
	out := make([]interface{}, len(work))
	for i, w := range work {
		out[i] = w
	}
	return out, nil
}
