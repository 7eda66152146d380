package event

import "github.com/tidwall/gjson"

func gjsonRedactedBecause(unsigned []byte) gjson.Result {
	return gjson.GetBytes(unsigned, "redacted_because")
}
