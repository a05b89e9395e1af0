package models

import (
	"strconv"
	"strings"
)

// FormatAmount 把最小货币单位格式化为 "NGN 9,000.00"
func FormatAmount(currency string, minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}

	whole := strconv.FormatInt(minor/100, 10)
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}

	cents := strconv.FormatInt(minor%100, 10)
	if len(cents) == 1 {
		cents = "0" + cents
	}
	return strings.TrimSpace(currency + " " + sign + b.String() + "." + cents)
}
