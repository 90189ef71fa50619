package integration

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// gatekeepBin is the binary built once for the package.
var gatekeepBin string

// TestMain builds the gatekeep binary once and shows its log when a test fails.
func TestMain(m *testing.M) {
	flag.Parse()

	dir, err := os.MkdirTemp("", "gatekeep-integration")
	if err != nil {
		fmt.Printf("Failed to create build dir: %v\n", err)
		os.Exit(1)
	}

	gatekeepBin = filepath.Join(dir, "gatekeep")
	fmt.Println("Building gatekeep binary...")
	buildCmd := exec.Command("go", "build", "-o", gatekeepBin, "../cmd/gatekeep")
	buildCmd.Stdout = os.Stdout
	buildCmd.Stderr = os.Stderr
	if err := buildCmd.Run(); err != nil {
		fmt.Printf("Failed to build gatekeep: %v\n", err)
		os.RemoveAll(dir)
		os.Exit(1)
	}

	logFile := filepath.Join(dir, "gatekeep-test.log")
	os.Setenv("GATEKEEP_LOG_FILE", logFile)

	exitCode := m.Run()
	if exitCode != 0 {
		showTestFailureDiagnostics(logFile)
	}
	os.RemoveAll(dir)
	os.Exit(exitCode)
}

// showTestFailureDiagnostics prints the tail of the gatekeep log.
func showTestFailureDiagnostics(logFile string) {
	data, err := os.ReadFile(logFile)
	if err != nil {
		return
	}
	const tail = 8 << 10
	if len(data) > tail {
		data = data[len(data)-tail:]
	}
	fmt.Println("\n========== GATEKEEP LOG (tail) ==========")
	fmt.Println(string(data))
	fmt.Println("=========================================")
}
