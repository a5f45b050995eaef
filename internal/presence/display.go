package presence

import (
	"fmt"

	"github.com/safar/quotesync/internal/models"
)

// FormatViewers renders the viewer badge text. Viewers are expected in
// display order, as returned by ListViewers.
//
//	0 -> ""
//	1 -> "Alice is viewing"
//	2 -> "Alice and Bob are viewing"
//	n -> "Alice and <n-1> others"
func FormatViewers(viewers []models.Viewer) string {
	switch len(viewers) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is viewing", displayName(viewers[0]))
	case 2:
		return fmt.Sprintf("%s and %s are viewing", displayName(viewers[0]), displayName(viewers[1]))
	default:
		return fmt.Sprintf("%s and %d others", displayName(viewers[0]), len(viewers)-1)
	}
}

func displayName(v models.Viewer) string {
	if v.UserName != "" {
		return v.UserName
	}
	return v.UserID
}
