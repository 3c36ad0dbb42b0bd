// Command vaultd runs the content protection service: device registry,
// content key vault, packaging pipeline and license manager behind one REST
// API.
package main

import (
	"context"
	"fmt"
	"os"

	"mediavault/internal/app"
)

func main() {
	application, err := app.NewApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultd: %v\n", err)
		os.Exit(1)
	}
	if err := application.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "vaultd: %v\n", err)
		os.Exit(1)
	}
}
