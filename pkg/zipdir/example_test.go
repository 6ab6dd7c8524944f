package zipdir_test

import (
	"fmt"

	"github.com/ourdigitalworld/zipit/pkg/zipdir"
)

func ExampleFindEntry() {
	// A central directory fetched with a range request; empty here.
	var directory []byte

	loc, err := zipdir.FindEntry(directory, "tiles/0_0.jpg", 0)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("bytes=%d-%d\n", loc.Offset, loc.End())
	// Output:
	// error: zipdir: entry not found
}
