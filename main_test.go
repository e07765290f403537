package main

import (
	"bytes"
	"context"
	"log"
	"os"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestInstallLoggerRoutesStdlibLog(t *testing.T) {
	prevOut, prevFlags := log.Writer(), log.Flags()
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})

	ctx := installLogger(context.Background(), newLogger(os.Stderr))

	var file bytes.Buffer
	ctx = installLogger(ctx, newLogger(&file))

	log.Print("stdlib line after swap")
	pslog.Ctx(ctx).Info("context line after swap")

	out := file.String()
	for _, want := range []string{"stdlib line after swap", "context line after swap"} {
		if !strings.Contains(out, want) {
			t.Fatalf("file log missing %q:\n%s", want, out)
		}
	}
}
