package server

import (
	"fmt"
	"os"
	"testing"

	"github.com/aeolun/realm/pkg/logging"
)

// testLogger is handed to every server the tests build. It discards output
// unless REALM_TEST_LOG names a level.
var testLogger = logging.Discard()

func TestMain(m *testing.M) {
	if level := os.Getenv("REALM_TEST_LOG"); level != "" {
		logger, err := logging.New(os.Stderr, logging.Options{Level: level})
		if err != nil {
			fmt.Fprintln(os.Stderr, "REALM_TEST_LOG:", err)
			os.Exit(2)
		}
		testLogger = logger
	}
	os.Exit(m.Run())
}
