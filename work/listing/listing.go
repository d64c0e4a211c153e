package listing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grafana/regexp"

	"sxm-proxy/work/types"
)

// unknownNumber sorts channels without a parsable station number last.
const unknownNumber = 9999

// Format renders the channel catalog as an aligned "ID | Num | Name"
// table, favorites first, then ascending station number. A non-empty
// pattern filters rows by a case-insensitive match on any of the three
// columns.
func Format(channels []types.Channel, pattern string) (string, error) {
	var re *regexp.Regexp
	if pattern != "" {
		compiled, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return "", fmt.Errorf("invalid filter pattern: %w", err)
		}
		re = compiled
	}

	rows := make([]types.Channel, 0, len(channels))
	for _, ch := range channels {
		if re != nil && !re.MatchString(ch.Name) && !re.MatchString(ch.ID) && !re.MatchString(ch.Number) {
			continue
		}
		rows = append(rows, ch)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Favorite != rows[j].Favorite {
			return rows[i].Favorite
		}
		return numberOf(rows[i]) < numberOf(rows[j])
	})

	idWidth, numWidth, nameWidth := len("ID"), len("Num"), len("Name")
	for _, ch := range rows {
		idWidth = max(idWidth, len(ch.ID))
		numWidth = max(numWidth, len(ch.Number))
		nameWidth = max(nameWidth, len(ch.Name))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-*s | %-*s | %-*s\n", idWidth, "ID", numWidth, "Num", nameWidth, "Name")
	for _, ch := range rows {
		fmt.Fprintf(&b, "%-*s | %-*s | %-*s\n", idWidth, ch.ID, numWidth, ch.Number, nameWidth, ch.Name)
	}
	return b.String(), nil
}

func numberOf(ch types.Channel) int {
	return types.FlexString(ch.Number).Int(unknownNumber)
}
