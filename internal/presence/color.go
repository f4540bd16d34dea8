package presence

import "github.com/cespare/xxhash/v2"

var palette = [...]string{
	"#E57373", "#F06292", "#BA68C8", "#7986CB", "#4FC3F7",
	"#4DB6AC", "#81C784", "#FFD54F", "#FF8A65", "#A1887F",
}

// ColorFor returns the display color of a user. The same user id always maps
// to the same color on every client.
func ColorFor(userID string) string {
	return palette[xxhash.Sum64String(userID)%uint64(len(palette))]
}
