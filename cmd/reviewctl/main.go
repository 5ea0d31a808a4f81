package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	appconfig "github.com/wolfman30/shadow-review/internal/config"
)

func main() {
	_ = appconfig.LoadDotEnv()
	cmd := newRootCommand(newCommandContext(appconfig.Load()))
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
