package worker

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// cellString renders one database value as a CSV field: NULL becomes the
// empty field, temporal values ISO 8601, byte blobs UTF-8 with U+FFFD
// replacement, everything else its default string form.
func cellString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case []byte:
		s := string(t)
		if utf8.ValidString(s) {
			return s
		}
		return strings.ToValidUTF8(s, "�")
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(t)
	}
}
