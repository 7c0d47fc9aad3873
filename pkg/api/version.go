package api

import (
	"strconv"
	"strings"
)

// CompareVersions orders two semver-ish version strings numerically by
// dotted component, falling back to string comparison for non-numeric
// parts. Returns -1, 0, or 1
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var ap, bp string
		if i < len(as) {
			ap = as[i]
		}
		if i < len(bs) {
			bp = bs[i]
		}
		an, aerr := strconv.Atoi(ap)
		bn, berr := strconv.Atoi(bp)
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if c := strings.Compare(ap, bp); c != 0 {
			return c
		}
	}
	return 0
}
