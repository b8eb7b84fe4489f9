// Package detection holds the per-task pattern detectors the kernel uses to
// spot a reasoning loop that is not converging: repeated tool calls and
// stagnating self-reflection.
package detection
