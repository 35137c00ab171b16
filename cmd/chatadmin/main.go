// Command chatadmin provisions the chat platform out of band: schema
// migrations, administrator accounts and role changes.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(openStore).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
