package market

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxNameLen is the byte length of the name field in the account layout.
const MaxNameLen = 64

// nameRegex matches: {INDEX}/{LONG}/{SHORT}
// Example: fBTC/fBTC/USDG
var nameRegex = regexp.MustCompile(`^([A-Za-z0-9._-]{1,16})/([A-Za-z0-9._-]{1,16})/([A-Za-z0-9._-]{1,16})$`)

// Name is a parsed market name.
type Name struct {
	Raw   string `json:"name"`
	Index string `json:"index"`
	Long  string `json:"long"`
	Short string `json:"short"`
}

// IsPure reports whether the long and short symbols match.
func (n Name) IsPure() bool { return n.Long == n.Short }

// ParseName parses and validates a market name.
// Format: {INDEX}/{LONG}/{SHORT}
func ParseName(name string) (*Name, error) {
	name = strings.TrimSpace(name)
	matches := nameRegex.FindStringSubmatch(name)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected INDEX/LONG/SHORT)", ErrInvalidName, name)
	}
	return &Name{
		Raw:   name,
		Index: matches[1],
		Long:  matches[2],
		Short: matches[3],
	}, nil
}

// FormatName builds a market name from its symbols.
func FormatName(index, long, short string) string {
	return index + "/" + long + "/" + short
}
