// crashprog is built and run by TestCoreLoadAndNoteParseOnGeneratedCore: it
// crashes itself via testenv.RunThenCrash so the kernel writes a real core
// file, which the test then feeds through loadCoreImage/parseNotes.
package main

import (
	"os"

	"github.com/ecfs-tools/ecfs/internal/testenv"
)

var keepAlive []byte

func main() {
	testenv.RunThenCrash(os.Getenv("ECFS_TEST_COREDUMP_FILTER"), func() any {
		keepAlive = make([]byte, 4096)
		for i := range keepAlive {
			keepAlive[i] = byte(i)
		}
		return keepAlive
	})
}
