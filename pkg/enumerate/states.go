package enumerate

import (
	"fmt"
	"strings"
)

// States is the portal's state list in canonical order
var States = []string{
	"ANDAMAN & NICOBAR ISLANDS",
	"ANDHRA PRADESH",
	"ARUNACHAL PRADESH",
	"ASSAM",
	"BIHAR",
	"CHANDIGARH",
	"CHHATTISGARH",
	"DADRA & NAGAR HAVELI AND DAMAN & DIU",
	"DELHI",
	"GOA",
	"GUJARAT",
	"HARYANA",
	"HIMACHAL PRADESH",
	"JAMMU & KASHMIR",
	"JHARKHAND",
	"KARNATAKA",
	"KENDRIYA VIDYALAYA SANGHATHAN",
	"KERALA",
	"LADAKH",
	"LAKSHADWEEP",
	"MADHYA PRADESH",
	"MAHARASHTRA",
	"MANIPUR",
	"MEGHALAYA",
	"MIZORAM",
	"NAGALAND",
	"NAVODAYA VIDYALAYA SAMITI",
	"ODISHA",
	"PUDUCHERRY",
	"PUNJAB",
	"RAJASTHAN",
	"SIKKIM",
	"TAMILNADU",
	"TELANGANA",
	"TRIPURA",
	"UTTARAKHAND",
	"UTTAR PRADESH",
	"WEST BENGAL",
}

func stateKey(name string) string {
	key := strings.ToUpper(strings.Join(strings.Fields(name), " "))
	return strings.ReplaceAll(key, " AND ", " & ")
}

func indexOf(universe []string) map[string]int {
	m := make(map[string]int, len(universe))
	for i, s := range universe {
		m[stateKey(s)] = i
	}
	return m
}

var canonical = indexOf(States)

// Canonical returns the canonical spelling of a state name. Matching ignores
// case, repeated whitespace and "and" written in place of "&".
func Canonical(name string) (string, bool) {
	i, ok := canonical[stateKey(name)]
	if !ok {
		return "", false
	}
	return States[i], true
}

// Select turns a user selection into canonical names in canonical order.
// An empty selection means every state.
func Select(names []string) ([]string, error) {
	return SelectFrom(States, names)
}

// SelectFrom is Select over an explicit state list. Duplicates are dropped;
// unknown names are an error.
func SelectFrom(universe, names []string) ([]string, error) {
	if len(names) == 0 {
		out := make([]string, len(universe))
		copy(out, universe)
		return out, nil
	}

	index := indexOf(universe)

	picked := make([]bool, len(universe))
	var unknown []string
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		i, ok := index[stateKey(n)]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		picked[i] = true
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown state(s): %s", strings.Join(unknown, ", "))
	}

	var out []string
	for i, ok := range picked {
		if ok {
			out = append(out, universe[i])
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("selection is empty")
	}
	return out, nil
}
