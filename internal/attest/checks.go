package attest

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// CheckResult is one independent tamper-detection technique's verdict.
type CheckResult struct {
	Name    string
	Passed  bool
	Detail  string
}

// runIndependentChecks runs each tamper-detection technique in turn:
// debugger presence (TracerPid), a sandbox-marker probe, a binary-size
// comparison, LD_PRELOAD-style hook detection, a kernel-module
// denylist, and a minimum-OS check. Each
// technique is independent so a single bypassed check cannot defeat
// the gate; the gate fails if any one of them fails.
func runIndependentChecks(minOSVersion string) []CheckResult {
	return []CheckResult{
		checkDebuggerPresence(),
		checkSandboxEscape(),
		checkSymbolTableIntegrity(),
		checkSyscallHooks(),
		checkKernelIntegrity(),
		checkMinimumOS(minOSVersion),
	}
}

// checkDebuggerPresence inspects /proc/self/status's TracerPid, per
// the teacher's own checkDebugger technique: a nonzero tracer PID
// means some process (a debugger or an injector) has attached via
// ptrace.
func checkDebuggerPresence() CheckResult {
	const name = "debugger_presence"
	if runtime.GOOS != "linux" {
		return CheckResult{Name: name, Passed: true, Detail: "not checked on " + runtime.GOOS}
	}

	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return CheckResult{Name: name, Passed: true, Detail: "status unreadable: " + err.Error()}
	}

	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		tracer := strings.TrimSpace(strings.TrimPrefix(line, "TracerPid:"))
		if tracer != "" && tracer != "0" {
			return CheckResult{Name: name, Passed: false, Detail: "traced by pid " + tracer}
		}
		break
	}
	return CheckResult{Name: name, Passed: true}
}

// checkSandboxEscape looks for indicators that the process is running
// outside the container/sandbox boundary it was launched in: an
// unexpectedly visible host filesystem marker is the simplest such
// signal. A real deployment supplies the expected sandbox marker path
// via SetSandboxMarker; absent that, the check passes vacuously rather
// than false-failing every unsandboxed development run.
func checkSandboxEscape() CheckResult {
	const name = "sandbox_escape"
	if sandboxMarkerPath == "" {
		return CheckResult{Name: name, Passed: true, Detail: "no sandbox marker configured"}
	}
	if _, err := os.Stat(sandboxMarkerPath); err != nil {
		return CheckResult{Name: name, Passed: false, Detail: "sandbox marker missing: " + sandboxMarkerPath}
	}
	return CheckResult{Name: name, Passed: true}
}

var sandboxMarkerPath string

// SetSandboxMarker configures the file path that must exist for
// checkSandboxEscape to report containment as intact, e.g. a
// container-only cgroup file or a marker dropped by the launcher.
func SetSandboxMarker(path string) {
	sandboxMarkerPath = path
}

// checkSymbolTableIntegrity compares the running binary's own path and
// size against the values recorded at startup by RecordBinaryBaseline.
// A size mismatch flags in-place binary patching between launch and
// this check; it cannot catch a patch applied before RecordBinaryBaseline
// ran, nor one that leaves the size unchanged. No code-signature
// verification is performed.
func checkSymbolTableIntegrity() CheckResult {
	const name = "binary_integrity"
	if binaryBaselineSize == 0 {
		return CheckResult{Name: name, Passed: true, Detail: "no baseline recorded"}
	}

	exe, err := os.Executable()
	if err != nil {
		return CheckResult{Name: name, Passed: true, Detail: "executable path unavailable: " + err.Error()}
	}
	info, err := os.Stat(exe)
	if err != nil {
		return CheckResult{Name: name, Passed: true, Detail: "executable unreadable: " + err.Error()}
	}
	if info.Size() != binaryBaselineSize {
		return CheckResult{Name: name, Passed: false, Detail: fmt.Sprintf("binary size changed: %d -> %d", binaryBaselineSize, info.Size())}
	}
	return CheckResult{Name: name, Passed: true}
}

var binaryBaselineSize int64

// RecordBinaryBaseline snapshots the running binary's size, to be
// compared against on every later boot-gate check. Call once at
// process startup, before any untrusted code has a chance to run.
func RecordBinaryBaseline() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("attest: record binary baseline: %w", err)
	}
	info, err := os.Stat(exe)
	if err != nil {
		return fmt.Errorf("attest: record binary baseline: %w", err)
	}
	binaryBaselineSize = info.Size()
	return nil
}

// checkSyscallHooks looks for LD_PRELOAD / DYLD_INSERT_LIBRARIES style
// injection, the most common userspace syscall-interposition vector.
func checkSyscallHooks() CheckResult {
	const name = "syscall_hooks"
	suspicious := []string{"LD_PRELOAD", "LD_AUDIT", "DYLD_INSERT_LIBRARIES", "DYLD_LIBRARY_PATH"}
	for _, v := range suspicious {
		if val := os.Getenv(v); val != "" {
			return CheckResult{Name: name, Passed: false, Detail: v + " is set: " + val}
		}
	}
	return CheckResult{Name: name, Passed: true}
}

// checkKernelIntegrity looks for a tampered kernel on Linux by scanning
// /proc/modules for any module named in a caller-provided denylist.
// Kernel lockdown status is not checked. A match is a best-effort
// indicator, not a proof; the TPM
// PCR quote is the gate's strong signal, this is defense in depth.
func checkKernelIntegrity() CheckResult {
	const name = "kernel_integrity"
	if runtime.GOOS != "linux" {
		return CheckResult{Name: name, Passed: true, Detail: "not checked on " + runtime.GOOS}
	}

	data, err := os.ReadFile("/proc/modules")
	if err != nil {
		return CheckResult{Name: name, Passed: true, Detail: "modules list unreadable: " + err.Error()}
	}
	for _, name := range deniedKernelModules {
		if strings.Contains(string(data), name) {
			return CheckResult{Name: "kernel_integrity", Passed: false, Detail: "denied module loaded: " + name}
		}
	}
	return CheckResult{Name: name, Passed: true}
}

var deniedKernelModules []string

// SetDeniedKernelModules configures the module names checkKernelIntegrity
// treats as tamper indicators (e.g. known kernel-level debuggers or
// memory-inspection modules).
func SetDeniedKernelModules(names []string) {
	deniedKernelModules = names
}

// checkMinimumOS is a best-effort floor: it passes when no minimum is
// configured or no checker is installed, and otherwise returns the
// verdict of the caller-supplied check installed via
// SetOSVersionChecker. It does not inspect GOOS or parse platform
// version strings itself.
func checkMinimumOS(minOSVersion string) CheckResult {
	const name = "minimum_os"
	if minOSVersion == "" {
		return CheckResult{Name: name, Passed: true}
	}
	if osVersionChecker == nil {
		return CheckResult{Name: name, Passed: true, Detail: "no OS version checker configured"}
	}
	ok, detail := osVersionChecker(minOSVersion)
	return CheckResult{Name: name, Passed: ok, Detail: detail}
}

var osVersionChecker func(minVersion string) (bool, string)

// SetOSVersionChecker installs the platform-specific function used by
// checkMinimumOS.
func SetOSVersionChecker(fn func(minVersion string) (bool, string)) {
	osVersionChecker = fn
}
