package testflags

import (
	"flag"
	"testing"
)

// Test enablement flags
// Unit and integration tests run by default; either can be switched off for a run.
var integrationTest = flag.Bool("integration", true, "Run the integration go tests")
var unitTest = flag.Bool("unit", true, "Run the unit go tests")

// IntegrationTest will run the test its called from iff the `-integration` flag
// is passed when calling `go test`. Otherwise the test will be skipped. IntegrationTest
// will run the test its called from in parallel.
func IntegrationTest(t *testing.T) {
	if !*integrationTest {
		t.SkipNow()
	}
	t.Parallel()
}

// UnitTest will run the test its called from iff the `-unit` or `-short` flag
// is passed when calling `go test`. Otherwise the test will be skipped. UnitTest
// will run the test its called from in parallel.
func UnitTest(t *testing.T) {
	if !*unitTest && !testing.Short() {
		t.SkipNow()
	}
	t.Parallel()
}
