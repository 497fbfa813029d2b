package model

// ScanConfig is a per scan configuration handed to analyzer modules.
// Threads == 0 means single threaded processing.
type ScanConfig struct {
	Dir       string
	RuleSet   RuleSet
	Threads   int
	Benchmark bool
}
