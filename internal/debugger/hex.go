package debugger

import "encoding/hex"

// hexDecodeString decodes a GDB RSP hex-ASCII payload (as used by O and
// qRcmd packets) into its original text.
func hexDecodeString(s string) (string, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

// hexEncodeString renders s as lowercase hex-ASCII (spec §4.8 "qRcmd").
func hexEncodeString(s string) string {
	return hex.EncodeToString([]byte(s))
}
