package session

import (
	"os"
	"testing"

	"github.com/zhubert/inkwell-core/logger"
)

func TestMain(m *testing.M) {
	// Disable logging during tests to avoid polluting the real log file
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}
